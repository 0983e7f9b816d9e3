// Package httputil writes the JSON envelope used by the API endpoints.
package httputil

import (
	"encoding/json"

	"github.com/valyala/fasthttp"
)

// APIResponse is the envelope of every JSON API response.
type APIResponse struct {
	Success bool        `json:"success"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

// JSONResponse writes an APIResponse with statusCode.
func JSONResponse(ctx *fasthttp.RequestCtx, success bool, message string, data interface{}, statusCode int) {
	body, err := json.Marshal(APIResponse{Success: success, Message: message, Data: data})
	if err != nil {
		statusCode = fasthttp.StatusInternalServerError
		body = []byte(`{"success":false,"message":"failed to encode response"}`)
	}
	ctx.SetStatusCode(statusCode)
	ctx.SetContentType("application/json")
	ctx.Response.Header.Set("Cache-Control", "no-store")
	ctx.SetBody(body)
}

// JSONError writes a failed response carrying message.
func JSONError(ctx *fasthttp.RequestCtx, message string, statusCode int) {
	JSONResponse(ctx, false, message, nil, statusCode)
}

// JSONData writes a successful response carrying data.
func JSONData(ctx *fasthttp.RequestCtx, data interface{}, statusCode int) {
	JSONResponse(ctx, true, "", data, statusCode)
}
