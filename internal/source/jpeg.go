// internal/source/jpeg.go
package source

import "bytes"

var (
	jpegSOI = []byte{0xFF, 0xD8}
	jpegEOI = []byte{0xFF, 0xD9}
)

// nextJPEG extrai o primeiro JPEG completo (SOI..EOI) de buf.
// Devolve o frame (cópia) e o restante do buffer. Lixo antes do SOI é descartado.
func nextJPEG(buf []byte) (frame, rest []byte) {
	start := bytes.Index(buf, jpegSOI)
	if start < 0 {
		// mantém o último byte: pode ser o 0xFF de um SOI cortado
		if n := len(buf); n > 0 && buf[n-1] == 0xFF {
			return nil, buf[n-1:]
		}
		return nil, buf[:0]
	}
	end := bytes.Index(buf[start+2:], jpegEOI)
	if end < 0 {
		return nil, buf[start:]
	}
	end += start + 2 + len(jpegEOI)

	frame = make([]byte, end-start)
	copy(frame, buf[start:end])
	return frame, buf[end:]
}
