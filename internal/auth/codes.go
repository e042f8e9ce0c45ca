// ABOUTME: Machine-readable rejection codes and the JSON error writer
// ABOUTME: Clients branch on the code to refresh a token or log in again

package auth

import (
	"encoding/json"
	"net/http"
)

// Code identifies why a request was rejected
type Code string

const (
	// CodeExpired means the caller must log in again
	CodeExpired Code = "AUTH_EXPIRED"
	// CodeRenewable means the caller should refresh its token via the renewal flow
	CodeRenewable Code = "AUTH_RENEWABLE"
	// CodeUnauthorized covers directory and session store failures
	CodeUnauthorized Code = "AUTH_UNAUTHORIZED"
)

// ErrorBody is the JSON payload of every rejection
type ErrorBody struct {
	Code string `json:"code"`
	Msg  string `json:"msg"`
}

// WriteError writes a JSON error payload with the given status
func WriteError(w http.ResponseWriter, status int, code, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorBody{Code: code, Msg: msg})
}

// writeJSON writes v as a JSON response
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
