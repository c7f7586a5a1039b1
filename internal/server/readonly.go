// Copyright (c) 2017 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package server

import (
	"fmt"
	"net/http"

	log "github.com/golang/glog"
)

// ROHandler is the part of the server that controls read-only mode.
type ROHandler interface {
	ReadOnlyMode() bool
	SetReadOnlyMode(bool)
}

// ReadOnlyHandler implements /readonly. GET returns "true" or "false"; POST
// /readonly?mode=true (or false) changes the mode.
func ReadOnlyHandler(w http.ResponseWriter, r *http.Request, h ROHandler) {
	w.Header().Set("Content-Type", "text/plain")
	switch r.Method {
	case "GET":
		fmt.Fprintf(w, "%t", h.ReadOnlyMode())
	case "POST":
		mode := r.URL.Query().Get("mode")
		if mode != "true" && mode != "false" {
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprintln(w, "'mode' param must be 'true' or 'false'")
			return
		}
		h.SetReadOnlyMode(mode == "true")
		log.Infof("set read-only mode to %s", mode)
		fmt.Fprintf(w, "set read-only mode to %s", mode)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
		fmt.Fprintln(w, "method must be GET or POST")
	}
}
