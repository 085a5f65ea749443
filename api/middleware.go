package api

import (
	"compress/gzip"
	"io"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// maxBodySize bounds submission bodies after decompression.
const maxBodySize = 64 << 10

// GzipRequestMiddleware inflates gzip-encoded request bodies. Bodies that are
// not valid gzip are rejected with 400.
func GzipRequestMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if !acceptsEncoding(req.Header.Get(echo.HeaderContentEncoding), "gzip") {
				return next(c)
			}
			gr, err := gzip.NewReader(req.Body)
			if err != nil {
				_ = req.Body.Close()
				return echo.NewHTTPError(http.StatusBadRequest, "invalid gzip body")
			}
			req.Body = &inflatedBody{Reader: io.LimitReader(gr, maxBodySize), gz: gr, raw: req.Body}
			req.ContentLength = -1
			req.Header.Del(echo.HeaderContentEncoding)
			req.Header.Del(echo.HeaderContentLength)
			return next(c)
		}
	}
}

func acceptsEncoding(header, encoding string) bool {
	for _, enc := range strings.Split(header, ",") {
		if strings.EqualFold(strings.TrimSpace(enc), encoding) {
			return true
		}
	}
	return false
}

type inflatedBody struct {
	io.Reader
	gz  *gzip.Reader
	raw io.Closer
}

func (b *inflatedBody) Close() error {
	err := b.gz.Close()
	if cerr := b.raw.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}
