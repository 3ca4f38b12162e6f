// Copyright 2021-present ZenBPM Contributors
// (based on git commit history).
//
// ZenBPM project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

package middleware

import (
	"net/http"

	"github.com/go-chi/cors"
)

// Cors allows the operational api to be called from the given origins, all origins when none are given.
func Cors(origins []string, exposedHeaders ...string) func(next http.Handler) http.Handler {
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: append([]string{"Accept", "Authorization", "Content-Type", "Origin"}, exposedHeaders...),
		ExposedHeaders: []string{"Content-Length"},
		MaxAge:         3600,
	})
}
