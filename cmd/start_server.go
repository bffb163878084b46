package cmd

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/pion/webrtc/v4"
	"github.com/spf13/cobra"

	"github.com/slipstream-rtc/server/config"
	"github.com/slipstream-rtc/server/internal/core"
	"github.com/slipstream-rtc/server/internal/serverapp"
	"github.com/slipstream-rtc/server/internal/util"
)

// NewStartServerCommand creates the hidden start-server subcommand
// that the outer signaling process launches. It owns the minimal HTTP
// offer/answer exchange; everything past SetRemote/GetLocal is the
// serverapp.Server's job.
func NewStartServerCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:    "start-server",
		Short:  "Start the capture/encode/stream pipeline and its signaling endpoint",
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStartServer()
		},
	}
	return cmd
}

func runStartServer() error {
	util.InitLogger(config.DebugLogging())
	logger := util.GetLogger()

	secret, err := loadOrCreateSecret(config.SecretPath())
	if err != nil {
		return fmt.Errorf("start-server: loading secret: %w", err)
	}

	cfg := serverapp.Config{
		MonitorIndex:        config.MonitorIndex(),
		CursorCapture:       config.CursorCaptureEnabled(),
		TargetFPS:           config.TargetFPS(),
		Codec:               serverapp.ParseCodec(config.Codec()),
		Vendor:              serverapp.ParseVendor(config.EncoderVendor()),
		BitrateKbps:         config.BitrateKbps(),
		AudioEnabled:        config.AudioEnabled(),
		AudioDeviceRate:     config.AudioSampleRate(),
		AudioDeviceChannels: config.AudioChannels(),
		MicEnabled:          config.MicEnabled(),
		MicDeviceRate:       config.MicSampleRate(),
		MicDeviceChannels:   2,
		Version:             serverVersion(),
		ICEServers:          []webrtc.ICEServer{},
		Secret:              secret,
	}

	srv, err := serverapp.New(cfg, defaultMonitors(), serverapp.Dependencies{})
	if err != nil {
		return fmt.Errorf("start-server: constructing pipeline: %w", err)
	}
	srv.Start()
	defer srv.Stop()

	mux := http.NewServeMux()
	mux.HandleFunc("/api/health", handleHealth)
	mux.HandleFunc("/api/offer", handleOffer(srv))
	mux.HandleFunc("/debug/stats", handleDebugStats(srv))

	httpServer := &http.Server{
		Addr:    config.ListenAddr(),
		Handler: mux,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("start-server: listening", "addr", config.ListenAddr())
		fmt.Printf("Signaling endpoint ready at %s\n", color.CyanString("http://"+config.ListenAddr()+"/api/offer"))
		serveErr <- httpServer.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serveErr:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("start-server: http server: %w", err)
		}
	case <-sigCh:
		logger.Info("start-server: shutting down")
		_ = httpServer.Close()
	}
	return nil
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]string{
		"status":  "ok",
		"service": "slipstream-server",
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

type offerRequest struct {
	SDP  string `json:"sdp"`
	Type string `json:"type"`
}

type offerResponse struct {
	SDP  string `json:"sdp"`
	Type string `json:"type"`
}

// MaxOfferBodyBytes caps the offer request body and the SDP it carries.
const MaxOfferBodyBytes = 65536

// handleOffer is the signaling endpoint (alongside the /api/health
// probe and the /debug/stats view): it applies an inbound SDP offer to
// the pipeline's single peer connection and returns the generated
// answer. Every other signaling concern (TLS
// termination, session discovery, pairing UI) is out of scope and
// expected to sit in front of this endpoint.
func handleOffer(srv *serverapp.Server) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if !srv.VerifyCredential(r.Header.Get("X-SlipStream-Secret")) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, MaxOfferBodyBytes)

		var req offerRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		if req.Type != "offer" {
			http.Error(w, "expected an SDP offer", http.StatusBadRequest)
			return
		}
		if len(req.SDP) > MaxOfferBodyBytes {
			http.Error(w, "sdp too large", http.StatusBadRequest)
			return
		}

		if err := srv.SetRemote(req.SDP, webrtc.SDPTypeOffer); err != nil {
			http.Error(w, fmt.Sprintf("failed to apply offer: %v", err), http.StatusInternalServerError)
			return
		}
		answer, err := srv.GetLocal()
		if err != nil {
			http.Error(w, fmt.Sprintf("failed to produce answer: %v", err), http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(offerResponse{SDP: answer, Type: "answer"})
	}
}

// loadOrCreateSecret reads the persisted session-auth secret, creating
// one on first run. An empty secret (e.g. path unwritable in a dev
// sandbox) degrades to no credential check.
func loadOrCreateSecret(path string) (string, error) {
	if data, err := os.ReadFile(path); err == nil && len(data) > 0 {
		return string(data), nil
	}

	if err := os.MkdirAll(config.Home(), 0700); err != nil {
		return "", nil // best-effort: fall back to no auth rather than fail startup
	}
	secret := util.GenerateRandomString(48)
	if err := os.WriteFile(path, []byte(secret), 0600); err != nil {
		return "", nil
	}
	return secret, nil
}

// defaultMonitors is the stand-in monitor enumeration used until a
// platform-specific display backend is wired in; see the "monitors"
// command for the same list rendered as a table.
func defaultMonitors() []core.Monitor {
	return []core.Monitor{
		{Index: 0, Width: 1920, Height: 1080, RefreshHz: 60, Primary: true, FriendlyName: "Display 1"},
	}
}

func serverVersion() string {
	return "slipstream-server/dev"
}
