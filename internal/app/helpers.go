// Copyright 2024-2025 Dillon Rush
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package app

import (
	"errors"
	"net/http"

	"github.com/gin-contrib/requestid"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/dillon-rush/th2-rpt-data-provider/internal/errs"
)

// statusClientClosedRequest is nginx's non-standard code for a client that
// went away mid-request.
const statusClientClosedRequest = 499

func statusForKind(kind errs.Kind) int {
	switch kind {
	case errs.KindInvalidRequest:
		return http.StatusBadRequest
	case errs.KindNotFound:
		return http.StatusNotFound
	case errs.KindCancelled:
		return statusClientClosedRequest
	default:
		return http.StatusInternalServerError
	}
}

// publicKind collapses unclassified errors so internals never leak a zero
// kind to clients.
func publicKind(err error) errs.Kind {
	kind := errs.KindOf(err)
	if kind == errs.KindUnknown {
		kind = errs.KindInternal
	}
	return kind
}

// userMessage extracts the message meant for the client, without the cause
// chain.
func userMessage(err error) string {
	var e *errs.Error
	if errors.As(err, &e) {
		return e.Message()
	}
	return err.Error()
}

// abortWithError renders an error response for REST handlers and for search
// requests rejected before the event stream opens.
func abortWithError(c *gin.Context, err error) {
	kind := publicKind(err)
	status := statusForKind(kind)

	if status == http.StatusInternalServerError {
		zerolog.Ctx(c.Request.Context()).Error().Err(err).Msg("request failed")
	}

	c.AbortWithStatusJSON(status, gin.H{
		"kind":      kind.String(),
		"message":   userMessage(err),
		"requestId": requestid.Get(c),
	})
}
