// Package api implements FumbleChain's thin HTTP/JSON surface: exactly the
// endpoints used by external CLIs, the explorer, and the storefront, as a
// read/write consumer of the blockchain and peer manager. Grounded on the
// teacher's apiserver/server routing (gorilla/mux, a makeHandler wrapper
// translating a typed handler's (value, *HandlerError) into the HTTP
// response) and on HandlerError's code-carrying error type.
package api

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/kudelskisecurity/fumblechain/internal/blockchain"
	"github.com/kudelskisecurity/fumblechain/internal/chain"
	"github.com/kudelskisecurity/fumblechain/internal/logger"
	"github.com/kudelskisecurity/fumblechain/internal/peermgr"
)

var log, _ = logger.Get(logger.SubsystemTags.API)

// Server is the HTTP/JSON API surface over a node's blockchain and peer
// manager.
type Server struct {
	chain   *blockchain.Blockchain
	peerMgr *peermgr.Manager
	router  *mux.Router
}

// New builds a Server and wires its routes.
func New(bc *blockchain.Blockchain, peerMgr *peermgr.Manager) *Server {
	s := &Server{chain: bc, peerMgr: peerMgr, router: mux.NewRouter()}
	s.addRoutes()
	return s
}

// ListenAndServe starts the HTTP server on addr. It blocks.
func (s *Server) ListenAndServe(addr string) error {
	log.Infof("API listening on %s", addr)
	return http.ListenAndServe(addr, s.router)
}

// Handler returns the server's http.Handler, for use with a custom
// http.Server (e.g. in tests).
func (s *Server) Handler() http.Handler {
	return s.router
}

func sendErr(w http.ResponseWriter, hErr *HandlerError) {
	log.Warnf("request failed: %s", hErr.Error())
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(hErr.Code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": hErr.Message})
}

func sendJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func sendRawJSON(w http.ResponseWriter, status int, raw []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(raw)
}

func (s *Server) addRoutes() {
	s.router.HandleFunc("/peers", s.handlePeers).Methods(http.MethodGet)
	s.router.HandleFunc("/transaction_pool", s.handleTransactionPool).Methods(http.MethodGet)
	s.router.HandleFunc("/transaction/{id}", s.handleGetTransaction).Methods(http.MethodGet)
	s.router.HandleFunc("/blockchain", s.handleBlockchain).Methods(http.MethodGet)
	s.router.HandleFunc("/block/{index}", s.handleGetBlock).Methods(http.MethodGet)
	s.router.HandleFunc("/wallet/{addr}/balance", s.handleWalletBalance).Methods(http.MethodGet)
	s.router.HandleFunc("/wallet/{addr}/secure_balance", s.handleWalletSecureBalance).Methods(http.MethodGet)
	s.router.HandleFunc("/transaction", s.handlePostTransaction).Methods(http.MethodPost)
	s.router.HandleFunc("/block/new", s.handlePostBlockNew).Methods(http.MethodPost)
	s.router.HandleFunc("/block", s.handlePostBlock).Methods(http.MethodPost)
	s.router.HandleFunc("/magic", s.handleMagic).Methods(http.MethodGet)
}

func (s *Server) handlePeers(w http.ResponseWriter, r *http.Request) {
	peers := s.peerMgr.ActivePeers("")
	addrs := make([]string, 0, len(peers))
	for _, p := range peers {
		addrs = append(addrs, fmt.Sprintf("%s:%d", p.Host, p.Port))
	}
	sendJSON(w, http.StatusOK, map[string]interface{}{"peers": addrs})
}

func (s *Server) handleTransactionPool(w http.ResponseWriter, r *http.Request) {
	txs := s.chain.Pool().Transactions()
	sendJSON(w, http.StatusOK, map[string]interface{}{"transactions": txs})
}

func (s *Server) handleGetTransaction(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if tx := s.chain.GetTransaction(id); tx != nil {
		data, err := tx.ToJSON()
		if err != nil {
			sendErr(w, NewHandlerError(http.StatusInternalServerError, "could not encode transaction"))
			return
		}
		sendRawJSON(w, http.StatusOK, data)
		return
	}
	if tx := poolLookup(s.chain, id); tx != nil {
		data, err := tx.ToJSON()
		if err != nil {
			sendErr(w, NewHandlerError(http.StatusInternalServerError, "could not encode transaction"))
			return
		}
		sendRawJSON(w, http.StatusOK, data)
		return
	}
	sendErr(w, NewHandlerError(http.StatusNotFound, "transaction not found"))
}

func poolLookup(bc *blockchain.Blockchain, id string) *chain.Transaction {
	for _, tx := range bc.Pool().Transactions() {
		if tx.Index == id {
			return tx
		}
	}
	return nil
}

func (s *Server) handleBlockchain(w http.ResponseWriter, r *http.Request) {
	data, err := s.chain.ToJSON()
	if err != nil {
		sendErr(w, NewHandlerError(http.StatusInternalServerError, "could not encode blockchain"))
		return
	}
	sendRawJSON(w, http.StatusOK, data)
}

func (s *Server) handleGetBlock(w http.ResponseWriter, r *http.Request) {
	indexStr := mux.Vars(r)["index"]
	index, err := strconv.ParseInt(indexStr, 10, 64)
	if err != nil {
		sendErr(w, NewHandlerError(http.StatusBadRequest, "block index must be an integer"))
		return
	}
	b, ok := s.chain.BlockFromIndex(index)
	if !ok {
		sendErr(w, NewHandlerError(http.StatusNotFound, "block not found"))
		return
	}
	data, err := b.ToJSON()
	if err != nil {
		sendErr(w, NewHandlerError(http.StatusInternalServerError, "could not encode block"))
		return
	}
	sendRawJSON(w, http.StatusOK, data)
}

func (s *Server) handleWalletBalance(w http.ResponseWriter, r *http.Request) {
	addr := mux.Vars(r)["addr"]
	balance, found := s.chain.WalletBalance(addr)
	if !found {
		sendErr(w, NewHandlerError(http.StatusNotFound, "wallet not found"))
		return
	}
	sendRawJSON(w, http.StatusOK, balanceJSON(addr, balance))
}

func (s *Server) handleWalletSecureBalance(w http.ResponseWriter, r *http.Request) {
	addr := mux.Vars(r)["addr"]
	balance, found := s.chain.SecureWalletBalance(addr)
	if !found {
		sendErr(w, NewHandlerError(http.StatusNotFound, "wallet not found"))
		return
	}
	sendRawJSON(w, http.StatusOK, balanceJSON(addr, balance))
}

// balanceJSON renders {address, balance}. A CTF wallet's infinite balance
// cannot be represented as a JSON number (encoding/json rejects +Inf), so
// it is rendered as the string "Infinity" instead.
func balanceJSON(addr string, balance float64) []byte {
	if math.IsInf(balance, 1) {
		data, _ := json.Marshal(struct {
			Address string `json:"address"`
			Balance string `json:"balance"`
		}{addr, "Infinity"})
		return data
	}
	data, _ := json.Marshal(struct {
		Address string  `json:"address"`
		Balance float64 `json:"balance"`
	}{addr, balance})
	return data
}

func (s *Server) handlePostTransaction(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		sendErr(w, NewHandlerError(http.StatusBadRequest, "could not read request body"))
		return
	}
	tx, err := chain.FromJSON(body)
	if err != nil {
		sendErr(w, NewHandlerError(http.StatusBadRequest, "malformed transaction"))
		return
	}
	if !s.chain.AddTransaction(tx) {
		sendErr(w, NewHandlerError(http.StatusBadRequest, "transaction rejected"))
		return
	}
	s.peerMgr.BroadcastTx(tx)
	data, err := tx.ToJSON()
	if err != nil {
		sendErr(w, NewHandlerError(http.StatusInternalServerError, "could not encode transaction"))
		return
	}
	sendRawJSON(w, http.StatusCreated, data)
}

func (s *Server) handlePostBlockNew(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		sendErr(w, NewHandlerError(http.StatusBadRequest, "could not read request body"))
		return
	}
	coinbase, err := chain.FromJSON(body)
	if err != nil {
		sendErr(w, NewHandlerError(http.StatusBadRequest, "malformed coinbase transaction"))
		return
	}
	template := s.chain.NewBlockTemplate(coinbase)
	data, err := template.ToJSON()
	if err != nil {
		sendErr(w, NewHandlerError(http.StatusInternalServerError, "could not encode block template"))
		return
	}
	sendRawJSON(w, http.StatusCreated, data)
}

func (s *Server) handlePostBlock(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		sendErr(w, NewHandlerError(http.StatusBadRequest, "could not read request body"))
		return
	}
	b, err := chain.BlockFromJSON(body)
	if err != nil {
		sendErr(w, NewHandlerError(http.StatusBadRequest, "malformed block"))
		return
	}
	if !s.chain.DiscardBlock(b) {
		sendErr(w, NewHandlerError(http.StatusBadRequest, "block rejected"))
		return
	}
	s.peerMgr.BroadcastBlock(b)
	data, err := b.ToJSON()
	if err != nil {
		sendErr(w, NewHandlerError(http.StatusInternalServerError, "could not encode block"))
		return
	}
	sendRawJSON(w, http.StatusCreated, data)
}

func (s *Server) handleMagic(w http.ResponseWriter, r *http.Request) {
	sendJSON(w, http.StatusOK, map[string]interface{}{"magic": s.chain.Magic()})
}
