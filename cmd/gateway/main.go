package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/trustwrapper/gateway/infrastructure/logging"
	"github.com/trustwrapper/gateway/internal/attestation"
	"github.com/trustwrapper/gateway/internal/config"
	"github.com/trustwrapper/gateway/internal/engine"
	"github.com/trustwrapper/gateway/internal/oracle"
	"github.com/trustwrapper/gateway/internal/oracle/httpsource"
	"github.com/trustwrapper/gateway/internal/telemetry"
	"github.com/trustwrapper/gateway/internal/twcache"
	"github.com/trustwrapper/gateway/internal/verification"
	"github.com/trustwrapper/gateway/internal/verifier"
)

func main() {
	addr := flag.String("addr", "", "HTTP listen address (defaults to :8080)")
	configPath := flag.String("config", "", "Path to YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(strings.TrimSpace(*configPath))
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger := logging.NewFromEnv("trustwrapper-gateway")

	cache, err := twcache.New[verification.Result](twcache.Config{
		Capacity:   cfg.CacheCapacity,
		DefaultTTL: time.Duration(cfg.ResultTTLMS) * time.Millisecond,
	})
	if err != nil {
		logger.Fatalf("init result cache: %v", err)
	}

	var riskManager *oracle.RiskManager
	if len(cfg.Sources) > 0 {
		riskManager = oracle.NewRiskManager(oracle.Thresholds{
			MinSources: cfg.MinSources,
			DevNormal:  cfg.DevNormal,
			DevWarn:    cfg.DevWarn,
			DevManip:   cfg.DevManip,
		})
		client := &http.Client{Timeout: 5 * time.Second}
		stalenessLimit := time.Duration(cfg.StalenessLimitMS) * time.Millisecond
		for _, s := range cfg.Sources {
			src := httpsource.New(s.ID, s.URL, client, logger, stalenessLimit)
			riskManager.Register(s.ID, s.Weight, s.DeclaredReliability, src)
		}
	} else {
		logger.Warn(context.Background(), "no oracle sources configured; trading_decision and defi_strategy claims will be verified on local rules alone", nil)
	}

	v := verifier.New(verifier.Config{
		PerformanceThreshold: cfg.PerformanceThreshold,
		PositionCap:          cfg.PositionCap,
	}, nil)

	var attestor *attestation.Generator
	if secret := strings.TrimSpace(cfg.AttestationSecret); secret != "" {
		attestor = attestation.New([]byte(secret))
	} else {
		logger.Warn(context.Background(), "TW_ATTESTATION_SECRET not set; preserve_privacy requests will verify without an attestation", nil)
	}

	thresholds := telemetry.DefaultThresholds()
	thresholds.MaxTotalLatencyMS = float64(cfg.MaxTotalMS)
	recorder := telemetry.NewRecorder(thresholds)

	eng := engine.New(cfg, cache, v, riskManager, attestor, recorder, logger)

	mux := http.NewServeMux()
	mux.Handle("/v1/verify", verifyHandler(eng))
	mux.Handle("/healthz", healthHandler(recorder))

	listenAddr := strings.TrimSpace(*addr)
	if listenAddr == "" {
		listenAddr = ":8080"
	}

	server := &http.Server{
		Addr:              listenAddr,
		Handler:           mux,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Infof("trustwrapper gateway listening on %s", listenAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("server error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Fatalf("shutdown: %v", err)
	}
}

// verifyRequestBody is the wire shape of a POST /v1/verify request.
type verifyRequestBody struct {
	RequestID       string          `json:"request_id"`
	Kind            string          `json:"kind"`
	Payload         json.RawMessage `json:"payload"`
	PreservePrivacy bool            `json:"preserve_privacy"`
	OracleSources   []string        `json:"oracle_sources"`
	Compliance      []string        `json:"compliance"`
}

func verifyHandler(eng *engine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		var body verifyRequestBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}

		req := verification.Request{
			RequestID:       body.RequestID,
			Kind:            verification.Kind(body.Kind),
			Payload:         body.Payload,
			CreatedAt:       time.Now(),
			PreservePrivacy: body.PreservePrivacy,
			OracleSources:   body.OracleSources,
			Compliance:      body.Compliance,
		}

		result := eng.Verify(r.Context(), req)

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(result)
	}
}

func healthHandler(recorder *telemetry.Recorder) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		health := recorder.Health(r.Context())

		w.Header().Set("Content-Type", "application/json")
		if !health.IsHealthy() {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(health)
	}
}
