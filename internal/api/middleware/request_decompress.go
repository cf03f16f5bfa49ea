package middleware

import (
	"bytes"
	"io"
	"net/http"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/gin-gonic/gin"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// Cap against decompression bombs. Real client requests sit far below this.
const maxDecompressedBytes = 128 << 20

// RequestDecompression transparently decodes compressed request bodies.
// net/http does not decode request bodies, so clients sending
// Content-Encoding: gzip (or br/zstd) would otherwise hand compressed bytes
// to the JSON handlers.
func RequestDecompression() gin.HandlerFunc {
	return func(c *gin.Context) {
		enc := strings.ToLower(strings.TrimSpace(c.GetHeader("Content-Encoding")))
		if enc == "" || enc == "identity" {
			c.Next()
			return
		}

		var reader io.Reader
		switch {
		case strings.Contains(enc, "gzip"):
			gzr, err := gzip.NewReader(c.Request.Body)
			if err != nil {
				abortDecompression(c, http.StatusBadRequest, "invalid gzip request body")
				return
			}
			defer gzr.Close()
			reader = gzr
		case strings.Contains(enc, "zstd"):
			zr, err := zstd.NewReader(c.Request.Body)
			if err != nil {
				abortDecompression(c, http.StatusBadRequest, "invalid zstd request body")
				return
			}
			defer zr.Close()
			reader = zr.IOReadCloser()
		case strings.Contains(enc, "br"):
			reader = brotli.NewReader(c.Request.Body)
		default:
			abortDecompression(c, http.StatusUnsupportedMediaType, "unsupported content encoding "+enc)
			return
		}

		decoded, err := io.ReadAll(io.LimitReader(reader, maxDecompressedBytes+1))
		if err != nil {
			abortDecompression(c, http.StatusBadRequest, "failed to decompress request body")
			return
		}
		if int64(len(decoded)) > maxDecompressedBytes {
			abortDecompression(c, http.StatusRequestEntityTooLarge, "decompressed request body too large")
			return
		}

		c.Request.Body = io.NopCloser(bytes.NewReader(decoded))
		c.Request.ContentLength = int64(len(decoded))
		c.Request.Header.Del("Content-Encoding")
		c.Next()
	}
}

func abortDecompression(c *gin.Context, status int, message string) {
	c.AbortWithStatusJSON(status, gin.H{
		"type": "error",
		"error": gin.H{
			"type":    "invalid_request_error",
			"message": message,
		},
	})
}
