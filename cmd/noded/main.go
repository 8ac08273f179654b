// Command noded drives a single host through the bootstrap/enrollment
// lifecycle described in internal/core: it loads or creates node
// identity, accepts peer websocket connections, and exposes a small HTTP
// surface to trigger bootstrap or join.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"noded/internal/core"
	"noded/internal/provisioner"
)

const Version = "0.1.0"

func main() {
	listenAddr := flag.String("listen", "127.0.0.1:7450", "HTTP listen address")
	configDir := flag.String("config-dir", "/var/lib/noded", "directory for node.json/manifest.json/token.json/cluster_uuid.json")
	authorizedKeysPath := flag.String("authorized-keys", defaultAuthorizedKeysPath(), "trusted-keys file appended to on join")
	auditLogPath := flag.String("audit-log", "/var/log/noded/audit.jsonl", "append-only JSON-lines lifecycle log")
	factsCmd := flag.String("facts-cmd", "", "command (space-separated) whose stdout is a Facts JSON document")
	bootstrapCmd := flag.String("bootstrap-cmd", "", "command (space-separated) invoked as '<bootstrap-cmd> <addr>'")
	pubkeyCmd := flag.String("pubkey-cmd", "", "command (space-separated) whose stdout is a single-line OpenSSH public key")
	provisionerTimeout := flag.Duration("provisioner-timeout", 60*time.Second, "timeout for each Provisioner command")
	joinDialTimeout := flag.Duration("join-dial-timeout", 30*time.Second, "timeout for the outbound JOIN/WELCOME handshake")
	flag.Parse()

	if *factsCmd == "" || *bootstrapCmd == "" || *pubkeyCmd == "" {
		log.Fatalf("noded: -facts-cmd, -bootstrap-cmd and -pubkey-cmd are all required")
	}

	if err := os.MkdirAll(*configDir, 0o700); err != nil {
		log.Fatalf("noded: config dir: %v", err)
	}
	if err := os.MkdirAll(filepath.Dir(*auditLogPath), 0o700); err != nil {
		log.Fatalf("noded: audit log dir: %v", err)
	}

	logger := log.New(os.Stderr, "noded: ", log.LstdFlags)

	prov := &provisioner.ExecProvisioner{
		FactsCmd:     strings.Fields(*factsCmd),
		BootstrapCmd: strings.Fields(*bootstrapCmd),
		PubKeyCmd:    strings.Fields(*pubkeyCmd),
		Timeout:      *provisionerTimeout,
	}

	c, err := core.New(core.Config{
		ConfigDir:          *configDir,
		AuthorizedKeysPath: *authorizedKeysPath,
		AuditLogPath:       *auditLogPath,
		Provisioner:        prov,
		Logger:             logger,
		JoinDialTimeout:    *joinDialTimeout,
	})
	if err != nil {
		log.Fatalf("noded: %v", err)
	}

	rootCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	c.Start(rootCtx)
	c.Audit.Info("core.start", c.Node.UUID().String(), nil)

	upgrader := &websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     func(r *http.Request) bool { return true },
	}

	h := &httpHandlers{core: c}

	r := mux.NewRouter()
	r.HandleFunc("/health", h.health).Methods("GET")
	r.HandleFunc("/api/nodes/status", h.status).Methods("GET")
	r.HandleFunc("/api/nodes/bootstrap", h.bootstrap).Methods("POST")
	r.HandleFunc("/api/nodes/join", h.join).Methods("POST")
	r.HandleFunc("/api/nodes/ws", c.Peers.UpgradeHandler(upgrader))

	srv := &http.Server{
		Addr:         *listenAddr,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Printf("listening on %s", *listenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("noded: server failed: %v", err)
		}
	}()

	<-rootCtx.Done()
	logger.Println("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Printf("http server shutdown: %v", err)
	}
	if err := c.Shutdown(shutdownCtx); err != nil {
		logger.Printf("core shutdown: %v", err)
	}
	logger.Println("stopped")
}

func defaultAuthorizedKeysPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".ssh/authorized_keys"
	}
	return filepath.Join(home, ".ssh", "authorized_keys")
}

type httpHandlers struct {
	core *core.Core
}

func (h *httpHandlers) health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"status":"ok","version":"%s"}`, Version)
}

func (h *httpHandlers) status(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"uuid":  h.core.Node.UUID().String(),
		"role":  string(h.core.Node.Role()),
		"stage": string(h.core.Node.Stage()),
	})
}

func (h *httpHandlers) bootstrap(w http.ResponseWriter, r *http.Request) {
	hnd, err := h.core.Bootstrap.Bootstrap(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	h.core.Audit.Info("bootstrap.dispatched", h.core.Node.UUID().String(), nil)
	go func() {
		if err := hnd.Wait(context.Background()); err != nil {
			h.core.Audit.Errorf("bootstrap.failed", h.core.Node.UUID().String(), err, nil)
		} else {
			h.core.Audit.Info("bootstrap.done", h.core.Node.UUID().String(), nil)
		}
	}()
	w.WriteHeader(http.StatusAccepted)
}

func (h *httpHandlers) join(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Endpoint string `json:"endpoint"`
		Token    string `json:"token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := h.core.Node.Join(req.Endpoint, req.Token); err != nil {
		h.core.Audit.Errorf("join.failed", h.core.Node.UUID().String(), err, map[string]string{"endpoint": req.Endpoint})
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	h.core.Audit.Info("join.welcomed", h.core.Node.UUID().String(), map[string]string{"endpoint": req.Endpoint})
	w.WriteHeader(http.StatusOK)
}
