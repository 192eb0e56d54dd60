package http

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/fks-trading/fks-data/internal/delta"
)

const defaultSequenceLength = 100

// DeltaSequenceResponse carries a symbol's recent binary state string,
// oldest first.
type DeltaSequenceResponse struct {
	Symbol   string            `json:"symbol"`
	Sequence string            `json:"sequence"`
	Length   int               `json:"length"`
	Stats    delta.SymbolStats `json:"stats"`
}

func (s *Server) handleDeltaStats(w http.ResponseWriter, r *http.Request) {
	writeOK(w, s.deps.Delta.Stats())
}

func (s *Server) handleDeltaSequence(w http.ResponseWriter, r *http.Request) {
	symbol := mux.Vars(r)["symbol"]
	length := intParam(r.URL.Query().Get("length"), defaultSequenceLength)
	seq := s.deps.Delta.BinarySequence(symbol, length)
	resp := DeltaSequenceResponse{
		Symbol:   symbol,
		Sequence: seq,
		Length:   len(seq),
		Stats:    s.deps.Delta.Stats()[symbol],
	}
	writeOK(w, resp)
}

func (s *Server) handleDeltaStates(w http.ResponseWriter, r *http.Request) {
	symbol := mux.Vars(r)["symbol"]
	limit := intParam(r.URL.Query().Get("limit"), 20)
	states, err := s.deps.States.LatestBTRStates(r.Context(), symbol, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "state lookup failed")
		return
	}
	writeOK(w, states)
}
