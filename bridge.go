package main

import (
	_ "embed"
	"net/http"
)

//go:embed web/bridge.js
var bridgeScript []byte

// handleBridgeScript serves GET /pay/bridge.js, the parent window message dispatcher.
func handleBridgeScript(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/javascript; charset=utf-8")
	w.Header().Set("Cache-Control", "public, max-age=300")
	w.WriteHeader(http.StatusOK)
	w.Write(bridgeScript)
}
