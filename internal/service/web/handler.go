package web

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"egress_nexus/internal/core/rotator"
	"egress_nexus/internal/core/router"
	"egress_nexus/internal/shared/logger"
	"egress_nexus/proxypool/broker"
)

const maxImportBytes = 1 << 20

// Controller is what the web layer needs from the running application.
// It keeps this package independent of the composition root.
type Controller interface {
	PoolStats() broker.Stats
	RotatorStats() rotator.Stats
	Import(ctx context.Context, lines []string, scheme string) (int, error)
	Preview(noPool, noRotation bool) router.Strategy
}

// Status is the combined document served on /api/status and pushed over /ws.
type Status struct {
	Timestamp time.Time     `json:"timestamp"`
	Pool      broker.Stats  `json:"pool"`
	Rotator   rotator.Stats `json:"rotator"`
}

// ImportRequest is the JSON body of POST /api/pool/import.
type ImportRequest struct {
	Lines  []string `json:"lines"`
	Scheme string   `json:"scheme"`
}

type Handler struct {
	controller Controller
}

func NewHandler(controller Controller) *Handler {
	return &Handler{controller: controller}
}

func (h *Handler) status() Status {
	return Status{
		Timestamp: time.Now().UTC(),
		Pool:      h.controller.PoolStats(),
		Rotator:   h.controller.RotatorStats(),
	}
}

// HandleStatus 处理 GET /api/status 请求
func (h *Handler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, h.status())
}

// HandlePoolStats 处理 GET /api/pool/stats 请求
func (h *Handler) HandlePoolStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, h.controller.PoolStats())
}

// HandleRotatorStats 处理 GET /api/rotator/stats 请求
func (h *Handler) HandleRotatorStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, h.controller.RotatorStats())
}

// HandleImport 处理 POST /api/pool/import 请求。
// JSON body 使用 ImportRequest; 其他 Content-Type 按行读取, scheme 取自 query。
func (h *Handler) HandleImport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxImportBytes)

	var req ImportRequest
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Invalid JSON body: "+err.Error(), http.StatusBadRequest)
			return
		}
	} else {
		req.Scheme = r.URL.Query().Get("scheme")
		sc := bufio.NewScanner(r.Body)
		for sc.Scan() {
			if line := strings.TrimSpace(sc.Text()); line != "" {
				req.Lines = append(req.Lines, line)
			}
		}
		if err := sc.Err(); err != nil {
			http.Error(w, "Failed to read request body", http.StatusBadRequest)
			return
		}
	}
	if len(req.Lines) == 0 {
		http.Error(w, "No proxy lines supplied", http.StatusBadRequest)
		return
	}

	added, err := h.controller.Import(r.Context(), req.Lines, req.Scheme)
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Warn().Err(err).Int("added", added).Msg("Import finished with errors")
		writeJSON(w, http.StatusOK, map[string]interface{}{"added": added, "submitted": len(req.Lines), "error": err.Error()})
		return
	}
	logger.Info().Int("added", added).Int("submitted", len(req.Lines)).Msg("Import finished")
	writeJSON(w, http.StatusOK, map[string]interface{}{"added": added, "submitted": len(req.Lines)})
}

// HandleDecide 处理 GET /api/route/decide?no_pool=&no_rotation= 请求,
// 只返回当前会选择的策略, 不发出任何请求。
func (h *Handler) HandleDecide(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	q := r.URL.Query()
	noPool, err := parseFlag(q.Get("no_pool"))
	if err != nil {
		http.Error(w, "Invalid no_pool value", http.StatusBadRequest)
		return
	}
	noRotation, err := parseFlag(q.Get("no_rotation"))
	if err != nil {
		http.Error(w, "Invalid no_rotation value", http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"strategy":    h.controller.Preview(noPool, noRotation),
		"no_pool":     noPool,
		"no_rotation": noRotation,
	})
}

func parseFlag(v string) (bool, error) {
	if v == "" {
		return false, nil
	}
	return strconv.ParseBool(v)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn().Err(err).Msg("Failed to encode JSON response")
	}
}
