// Package response 上游响应体的解压缩处理
// 上游可能以gzip/deflate/br/compress推送响应，转发前在本层解开，
// 客户端收到的始终是明文字节流。
package response

import (
	"compress/flate"
	"compress/gzip"
	"compress/lzw"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/andybalholm/brotli"
)

// Processor 响应处理器
type Processor struct{}

func NewProcessor() *Processor {
	return &Processor{}
}

// DecompressStreamReader 按Content-Encoding返回解压缩的流式读取器
// 无压缩时直接返回原始Body，保持流式特性，不做整体缓冲
func (p *Processor) DecompressStreamReader(resp *http.Response) (io.ReadCloser, error) {
	contentEncoding := strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding")))
	if contentEncoding == "" || contentEncoding == "identity" {
		return resp.Body, nil
	}

	switch contentEncoding {
	case "gzip":
		gzipReader, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to create gzip stream reader: %w", err)
		}
		return gzipReader, nil

	case "deflate":
		return flate.NewReader(resp.Body), nil

	case "br":
		// brotli读取器没有Close方法，包装原始Body的closer
		return &brotliReadCloser{reader: brotli.NewReader(resp.Body), closer: resp.Body}, nil

	case "compress":
		return lzw.NewReader(resp.Body, lzw.MSB, 8), nil

	default:
		// 未知编码原样透传，保持兼容性
		slog.Warn(fmt.Sprintf("⚠️ [流式解压] 未知的内容编码: %s, 使用原始流", contentEncoding))
		return resp.Body, nil
	}
}

// ReadAndDecompress 完整读取并解压响应体，非流式路径使用
func (p *Processor) ReadAndDecompress(resp *http.Response) ([]byte, error) {
	reader, err := p.DecompressStreamReader(resp)
	if err != nil {
		return nil, fmt.Errorf("failed to create decompressed reader: %w", err)
	}
	defer reader.Close()

	body, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	return body, nil
}

// brotliReadCloser 为brotli读取器补上Close方法
type brotliReadCloser struct {
	reader io.Reader
	closer io.Closer
}

func (brc *brotliReadCloser) Read(p []byte) (int, error) {
	return brc.reader.Read(p)
}

func (brc *brotliReadCloser) Close() error {
	return brc.closer.Close()
}
