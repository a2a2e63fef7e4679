/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package dap

import (
	"context"
	"time"

	"github.com/go-logr/logr"
)

// Responder sends the response for one request. A nil error produces a successful response carrying body.
// Only the first call has an effect; later calls are logged and dropped.
type Responder func(body any, err error)

// Handler processes one incoming request. It must eventually call respond exactly once.
// Handlers are invoked one at a time, in request arrival order, on the goroutine that reads the transport,
// so a handler that needs to wait must continue on its own goroutine (see Async).
type Handler func(ctx context.Context, req *Message, respond Responder)

// HandlerFunc is the plain form of a request handler: it returns the response body or an error.
type HandlerFunc func(ctx context.Context, req *Message) (any, error)

// Sync runs fn on the dispatch goroutine. Use it for handlers that must be ordered with respect to later requests.
func Sync(fn HandlerFunc) Handler {
	return func(ctx context.Context, req *Message, respond Responder) {
		body, err := fn(ctx, req)
		respond(body, err)
	}
}

// Async runs fn on its own goroutine so that the dispatch goroutine can move on to the next request.
func Async(fn HandlerFunc) Handler {
	return func(ctx context.Context, req *Message, respond Responder) {
		go func() {
			body, err := fn(ctx, req)
			respond(body, err)
		}()
	}
}

// Middleware decorates a Handler with a cross-cutting concern.
type Middleware func(Handler) Handler

// Chain wraps h with the middleware. The first middleware is the outermost one.
func Chain(h Handler, middleware ...Middleware) Handler {
	for i := len(middleware) - 1; i >= 0; i-- {
		if middleware[i] != nil {
			h = middleware[i](h)
		}
	}
	return h
}

// LoggingMiddleware logs every request and its response at verbosity level 1.
// Failed responses are logged at the default level so they show up without verbose logging.
func LoggingMiddleware(log logr.Logger) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, req *Message, respond Responder) {
			reqLog := log.WithValues("Command", req.Command, "Seq", req.Seq)
			reqLog.V(1).Info("Request received", "Arguments", string(req.Arguments))
			start := time.Now()

			next(ctx, req, func(body any, err error) {
				if err != nil {
					reqLog.Info("Request failed", "Error", err.Error(), "Duration", time.Since(start))
				} else {
					reqLog.V(1).Info("Request succeeded", "Duration", time.Since(start))
				}
				respond(body, err)
			})
		}
	}
}
