package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"txaccel/internal/chain"
	"txaccel/internal/config"
	"txaccel/internal/engine"
	"txaccel/internal/fees"
	"txaccel/internal/perf"
	"txaccel/internal/pool"
	"txaccel/internal/txerr"
)

// Engine is the part of the engine the control API drives.
type Engine interface {
	Account() string
	Chains() []chain.Profile
	Status(chainID uint64) (pool.Status, error)
	Stats(chainID uint64) perf.Stats
	WarmUp(chainID uint64, target int) error
	Fire(ctx context.Context, chainID uint64) (chain.Handle, error)
	Reset(chainID uint64) error
	Diagnostics(chainID uint64) (engine.Diagnostics, error)
	Gatherer() prometheus.Gatherer
}

type Server struct {
	cfg    *config.Config
	logger *zap.SugaredLogger
	engine Engine
}

func NewServer(cfg *config.Config, logger *zap.SugaredLogger, eng Engine) *Server {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Server{cfg: cfg, logger: logger.Named("api"), engine: eng}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.withAuth(s.handleHealth))
	mux.HandleFunc("/chains", s.withAuth(s.handleChains))
	mux.HandleFunc("/status", s.withAuth(s.handleStatus))
	mux.HandleFunc("/diagnostics", s.withAuth(s.handleDiagnostics))
	mux.HandleFunc("/warmup", s.withAuth(s.handleWarmUp))
	mux.HandleFunc("/fire", s.withAuth(s.handleFire))
	mux.HandleFunc("/reset", s.withAuth(s.handleReset))
	if s.cfg.Metrics.Enabled {
		mux.Handle(s.cfg.Metrics.Path, promhttp.HandlerFor(s.engine.Gatherer(), promhttp.HandlerOpts{}))
	}
	return mux
}

func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.cfg.API.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		ctxTimeout, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(ctxTimeout)
	}()
	s.logger.Infow("api listening", "listen", s.cfg.API.Listen)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) withAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.API.AuthToken != "" {
			token := r.Header.Get("X-API-Key")
			if token == "" {
				auth := r.Header.Get("Authorization")
				if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
					token = strings.TrimSpace(auth[7:])
				}
			}
			if token != s.cfg.API.AuthToken {
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
		}
		next(w, r)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"account": s.engine.Account(),
		"chains":  len(s.engine.Chains()),
	})
}

func (s *Server) handleChains(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	chains := s.engine.Chains()
	out := make([]map[string]interface{}, 0, len(chains))
	for _, p := range chains {
		out = append(out, profileView(p))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"chains": out})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	chainID, err := parseChainID(r.URL.Query().Get("chain_id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	st, err := s.engine.Status(chainID)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, statusView(st))
}

func (s *Server) handleDiagnostics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	chainID, err := parseChainID(r.URL.Query().Get("chain_id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	d, err := s.engine.Diagnostics(chainID)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	out := map[string]interface{}{
		"chain":           profileView(d.Chain),
		"pool":            statusView(d.Pool),
		"performance":     statsView(d.Performance),
		"grade":           string(d.Grade),
		"fee_degraded":    d.FeeDegraded,
		"recommendations": d.Recommendations,
		"nonce_usage": map[string]interface{}{
			"allocated":  d.NonceUsage.Allocated,
			"used":       d.NonceUsage.Used,
			"released":   d.NonceUsage.Released,
			"resyncs":    d.NonceUsage.Resyncs,
			"efficiency": d.NonceUsage.Efficiency(),
		},
	}
	if d.Nonce != nil {
		out["nonce"] = map[string]interface{}{
			"confirmed_frontier": d.Nonce.ConfirmedFrontier,
			"reserved_frontier":  d.Nonce.ReservedFrontier,
			"outstanding":        len(d.Nonce.Outstanding),
		}
	}
	if d.Fee != nil {
		out["fee"] = quoteView(*d.Fee)
	}
	writeJSON(w, http.StatusOK, out)
}

type warmUpRequest struct {
	ChainID uint64 `json:"chain_id"`
	Target  int    `json:"target"`
}

func (s *Server) handleWarmUp(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req warmUpRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Target < 0 {
		writeError(w, http.StatusBadRequest, "target must be >= 0")
		return
	}
	if err := s.engine.WarmUp(req.ChainID, req.Target); err != nil {
		s.writeEngineError(w, err)
		return
	}
	st, err := s.engine.Status(req.ChainID)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, statusView(st))
}

type chainRequest struct {
	ChainID uint64 `json:"chain_id"`
}

func (s *Server) handleFire(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req chainRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	start := time.Now()
	h, err := s.engine.Fire(r.Context(), req.ChainID)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	out := map[string]interface{}{
		"chain_id":   h.ChainID,
		"hash":       h.Hash.Hex(),
		"nonce":      h.Nonce,
		"method":     h.Method.String(),
		"latency_ms": time.Since(start).Milliseconds(),
	}
	if h.Receipt != nil {
		out["receipt"] = map[string]interface{}{
			"status":       h.Receipt.Status,
			"block_number": bigString(h.Receipt.BlockNumber),
			"gas_used":     h.Receipt.GasUsed,
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req chainRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.engine.Reset(req.ChainID); err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"chain_id": req.ChainID, "reset": true})
}

func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	status := http.StatusBadGateway
	switch txerr.KindOf(err) {
	case txerr.KindConfiguration:
		status = http.StatusNotFound
	case txerr.KindNotInitialized:
		status = http.StatusConflict
	case txerr.KindPoolExhausted, txerr.KindRateLimited:
		status = http.StatusServiceUnavailable
	case txerr.KindTimeout:
		status = http.StatusGatewayTimeout
	}
	if status >= http.StatusInternalServerError {
		s.logger.Warnw("request failed", "kind", txerr.KindOf(err).String(), "error", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error(), "kind": txerr.KindOf(err).String()})
}

func profileView(p chain.Profile) map[string]interface{} {
	return map[string]interface{}{
		"chain_id":       p.ChainID,
		"name":           p.Name,
		"method":         p.Method.String(),
		"contract":       p.Contract.Hex(),
		"target_size":    p.Pool.TargetSize,
		"batch_size":     p.Pool.BatchSize,
		"low_water_mark": p.Pool.LowWaterMark,
		"max_pending":    p.Pool.MaxPending,
		"sign_interval":  p.Pool.SignInterval.String(),
		"fee_ttl":        p.Fees.TTL.String(),
	}
}

func statusView(st pool.Status) map[string]interface{} {
	out := map[string]interface{}{
		"chain_id":    st.ChainID,
		"account":     st.Account.Hex(),
		"state":       string(st.State),
		"total":       st.Total,
		"used":        st.Used,
		"remaining":   st.Remaining,
		"refilling":   st.Refilling,
		"task":        string(st.Task),
		"last_batch":  st.LastBatch,
		"exhaustions": st.Exhaustions,
	}
	if !st.LastRefill.IsZero() {
		out["last_refill"] = st.LastRefill.UTC().Format(time.RFC3339)
	}
	if st.LastError != "" {
		out["last_error"] = st.LastError
	}
	return out
}

func statsView(st perf.Stats) map[string]interface{} {
	return map[string]interface{}{
		"count":          st.Count,
		"success_rate":   st.SuccessRate,
		"avg_latency_ms": st.AverageLatency.Milliseconds(),
		"p95_latency_ms": st.P95Latency.Milliseconds(),
	}
}

func quoteView(q fees.Quote) map[string]interface{} {
	return map[string]interface{}{
		"strategy":                 q.Strategy,
		"max_fee_per_gas":          bigString(q.MaxFeePerGas),
		"max_priority_fee_per_gas": bigString(q.MaxPriorityFeePerGas),
		"gas_price":                bigString(q.GasPrice),
		"gas_limit":                q.GasLimit,
		"captured_at":              q.CapturedAt.UTC().Format(time.RFC3339),
	}
}

func bigString(v *big.Int) string {
	if v == nil {
		return ""
	}
	return v.String()
}

func parseChainID(value string) (uint64, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, errors.New("chain_id is required")
	}
	id, err := strconv.ParseUint(value, 10, 64)
	if err != nil {
		return 0, errors.New("invalid chain_id")
	}
	return id, nil
}

func readJSON(r *http.Request, v interface{}) error {
	if r.Body == nil {
		return errors.New("empty body")
	}
	defer r.Body.Close()
	b, err := io.ReadAll(r.Body)
	if err != nil {
		return err
	}
	if len(b) == 0 {
		return errors.New("empty body")
	}
	return json.Unmarshal(b, v)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
