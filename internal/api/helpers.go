package api

import (
	"io"
	"net/http"
	"sort"

	"github.com/goccy/go-json"
	"github.com/labstack/echo/v5"
)

func writeBadRequest(c *echo.Context, msg string) error {
	return writeError(c, http.StatusBadRequest, "invalid_request_error", msg, "", "")
}

func writeNotFound(c *echo.Context, msg string) error {
	return writeError(c, http.StatusNotFound, "not_found_error", msg, "", "")
}

func writeError(c *echo.Context, status int, errType, msg, param, code string) error {
	return c.JSON(status, map[string]any{
		"error": ResponseError{
			Message: msg,
			Type:    errType,
			Code:    code,
			Param:   param,
		},
	})
}

// decodeJSON decodes one JSON value, rejecting unknown fields. An empty body
// decodes to the zero value.
func decodeJSON[T any](r io.Reader) (T, error) {
	var out T
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&out); err != nil && err != io.EOF {
		return out, newInvalidRequest("invalid JSON body: " + err.Error())
	}
	return out, nil
}

// TopK returns the k highest scores of row, best first. Ties keep the lower
// token id first.
func TopK(row []float32, k int) []TokenScore {
	out := make([]TokenScore, len(row))
	for i, v := range row {
		out[i] = TokenScore{Token: i, Score: v}
	}
	sort.SliceStable(out, func(a, b int) bool { return out[a].Score > out[b].Score })
	return out[:min(k, len(out))]
}
