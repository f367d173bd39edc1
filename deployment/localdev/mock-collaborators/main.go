package main

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"
)

type patent struct {
	ID              string   `json:"patent_id"`
	Title           string   `json:"title"`
	Abstract        string   `json:"abstract"`
	FilingDate      string   `json:"filing_date"`
	PublicationDate string   `json:"publication_date"`
	CPCCodes        []string `json:"cpc_codes"`
	AssigneeIDs     []string `json:"assignee_ids"`
	CitationCount   int      `json:"num_citations"`
	ClaimCount      int      `json:"num_claims"`
}

type scoredPoint struct {
	ID    string  `json:"id"`
	Score float64 `json:"score"`
}

var (
	cpcPool      = []string{"H01M 10/052", "H01M 4/13", "G06N 3/08", "G06N 20/00", "A61K 39/395", "B60L 53/10"}
	assigneePool = []string{"acme-corp", "globex", "initech", "umbrella"}
	topicPool    = []string{"topic-solid-state", "topic-llm", "topic-antibodies", "topic-charging"}
)

// corpus builds one synthetic filing per day for the last two years, with an
// accelerating stream of battery filings in the most recent weeks.
func corpus(now time.Time) []patent {
	var out []patent
	start := now.AddDate(-2, 0, 0)
	n := 0
	for d := start; d.Before(now); d = d.AddDate(0, 0, 1) {
		perDay := 1
		if now.Sub(d) < 21*24*time.Hour {
			perDay = 4
		}
		for i := 0; i < perDay; i++ {
			n++
			cpc := cpcPool[n%len(cpcPool)]
			if perDay > 1 {
				cpc = cpcPool[i%2]
			}
			pub := d.AddDate(0, 0, 3)
			if pub.After(now) {
				pub = now
			}
			out = append(out, patent{
				ID:              fmt.Sprintf("US-%08d", n),
				Title:           fmt.Sprintf("Method %d for %s", n, cpc),
				Abstract:        "A <b>solid electrolyte</b> composition &amp; cell design.",
				FilingDate:      d.Format(time.DateOnly),
				PublicationDate: pub.Format(time.DateOnly),
				CPCCodes:        []string{cpc},
				AssigneeIDs:     []string{assigneePool[n%len(assigneePool)]},
				CitationCount:   n % 17,
				ClaimCount:      10 + n%11,
			})
		}
	}
	return out
}

func main() {
	addr := ":8080"
	if v := os.Getenv("MOCK_ADDR"); v != "" {
		addr = v
	}
	patents := corpus(time.Now().UTC())

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	mux.HandleFunc("/api/v1/patents", func(w http.ResponseWriter, r *http.Request) {
		if !enforceMethod(w, r, http.MethodGet) {
			return
		}
		since, err := time.Parse(time.RFC3339, r.URL.Query().Get("since"))
		if err != nil {
			http.Error(w, "since must be RFC3339", http.StatusBadRequest)
			return
		}
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
		if limit <= 0 {
			limit = 100
		}
		var matched []patent
		for _, p := range patents {
			if p.PublicationDate >= since.Format(time.DateOnly) {
				matched = append(matched, p)
			}
		}
		page := []patent{}
		if offset < len(matched) {
			page = matched[offset:min(offset+limit, len(matched))]
		}
		writeJSON(w, map[string]any{"patents": page})
	})

	mux.HandleFunc("/api/v1/topics/patents/", func(w http.ResponseWriter, r *http.Request) {
		if !enforceMethod(w, r, http.MethodGet) {
			return
		}
		id := strings.TrimPrefix(r.URL.Path, "/api/v1/topics/patents/")
		h := hash(id)
		if h%5 == 0 {
			http.NotFound(w, r)
			return
		}
		writeJSON(w, map[string]any{"topic_id": topicPool[h%uint32(len(topicPool))]})
	})

	mux.HandleFunc("/collections/", func(w http.ResponseWriter, r *http.Request) {
		if !enforceMethod(w, r, http.MethodPost) || !strings.HasSuffix(r.URL.Path, "/points/recommend") {
			return
		}
		var req struct {
			Positive []string `json:"positive"`
			Limit    int      `json:"limit"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Positive) == 0 {
			http.Error(w, `{"status":{"error":"bad request"}}`, http.StatusBadRequest)
			return
		}
		seed := hash(req.Positive[0])
		result := make([]scoredPoint, 0, req.Limit)
		for i := 0; i < req.Limit; i++ {
			similarity := 0.95 - float64((seed>>uint(i%16))%40)/100 - float64(i)*0.002
			result = append(result, scoredPoint{ID: fmt.Sprintf("%s-n%d", req.Positive[0], i), Score: similarity})
		}
		writeJSON(w, map[string]any{"result": result, "status": "ok", "time": 0.001})
	})

	mux.HandleFunc("/webhook", func(w http.ResponseWriter, r *http.Request) {
		if !enforceMethod(w, r, http.MethodPost) {
			return
		}
		var digest map[string]any
		if err := json.NewDecoder(r.Body).Decode(&digest); err != nil {
			http.Error(w, "invalid digest", http.StatusBadRequest)
			return
		}
		log.Printf("digest for %v: %v alerts", digest["watchlist_id"], digest["count"])
		w.WriteHeader(http.StatusAccepted)
	})

	logger := log.New(log.Writer(), "collaborators-mock ", log.LstdFlags|log.Lmicroseconds)
	srv := &http.Server{
		Addr:    addr,
		Handler: logRequests(logger, mux),
	}

	logger.Printf("listening on %s with %d patents", addr, len(patents))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("server error: %v", err)
	}
}

func hash(s string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(s))
	return h.Sum32()
}

func enforceMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("encode error: %v", err)
	}
}

func logRequests(logger *log.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)
		logger.Printf("%s %s %d %s", r.Method, r.URL.Path, rw.status, time.Since(start))
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}
