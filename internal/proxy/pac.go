package proxy

import (
	"fmt"
	"io"
)

const pacContentType = "application/x-ns-proxy-autoconfig; charset=utf-8"

// servePAC writes the PAC document and returns the body size.
func (s *HTTPProxyServer) servePAC(w io.Writer) int64 {
	body := s.cfg.PACContent()
	fmt.Fprintf(w, "HTTP/1.1 200 OK\r\nContent-Type: %s\r\nContent-Length: %d\r\nConnection: close\r\n\r\n",
		pacContentType, len(body))
	n, _ := io.WriteString(w, body)
	return int64(n)
}
