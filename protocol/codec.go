package protocol

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// DefaultMaxFrameBytes é o tamanho máximo padrão de um quadro
const DefaultMaxFrameBytes = 1 << 20

// ErrFrameTooLarge é retornado quando um quadro excede o limite configurado
var ErrFrameTooLarge = errors.New("quadro excede o tamanho máximo")

// ErrMalformedEnvelope é retornado quando o quadro não é um envelope válido
var ErrMalformedEnvelope = errors.New("envelope malformado")

// Reader lê envelopes delimitados por '\n' de um fluxo. Cada quadro é
// acumulado em partes, então uma mensagem que chega em vários segmentos TCP
// não bloqueia outras conexões.
type Reader struct {
	br  *bufio.Reader
	max int
}

// NewReader cria um Reader limitado a max bytes por quadro
func NewReader(r io.Reader, max int) *Reader {
	if max <= 0 {
		max = DefaultMaxFrameBytes
	}
	return &Reader{br: bufio.NewReader(r), max: max}
}

// ReadEnvelope lê o próximo envelope. Linhas vazias são ignoradas.
func (r *Reader) ReadEnvelope() (Envelope, error) {
	for {
		line, err := r.readFrame()
		if err != nil {
			return Envelope{}, err
		}
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}

		var env Envelope
		if err := json.Unmarshal(line, &env); err != nil {
			return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
		}
		if env.Header == "" {
			return Envelope{}, fmt.Errorf("%w: cabeçalho vazio", ErrMalformedEnvelope)
		}
		return env, nil
	}
}

func (r *Reader) readFrame() ([]byte, error) {
	var frame []byte
	for {
		chunk, err := r.br.ReadSlice('\n')
		if len(frame)+len(chunk) > r.max {
			return nil, ErrFrameTooLarge
		}
		frame = append(frame, chunk...)
		switch {
		case err == nil:
			return frame, nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF) && len(frame) > 0:
			return nil, io.ErrUnexpectedEOF
		default:
			return nil, err
		}
	}
}

// Writer escreve envelopes, um por linha
type Writer struct {
	w io.Writer
}

// NewWriter cria um Writer sobre w
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// WriteEnvelope codifica e escreve env seguido de '\n'
func (w *Writer) WriteEnvelope(env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("falha ao codificar envelope: %w", err)
	}
	data = append(data, '\n')
	if _, err := w.w.Write(data); err != nil {
		return err
	}
	return nil
}

// WriteMessage codifica e escreve uma mensagem tipada
func (w *Writer) WriteMessage(m Message) error {
	env, err := Encode(m)
	if err != nil {
		return err
	}
	return w.WriteEnvelope(env)
}
