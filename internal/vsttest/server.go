// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-VST License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package vsttest implementa um server VST in-process para testes: aceita o
// handshake, autentica, remonta mensagens e responde via um Handler
// plugável. Mensagens são atendidas concorrentemente, então respostas podem
// sair fora da ordem de chegada — exatamente como um server real.
package vsttest

import (
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"github.com/nishisan-dev/n-vst/internal/protocol"
	"github.com/nishisan-dev/n-vst/internal/vpack"
)

// Request é a visão server-side de um request decodificado.
type Request struct {
	MessageID uint64
	Database  string
	Method    int64
	Path      string
	Query     map[string]string
	Header    map[string]string
	Body      []byte
}

// Response é o que um Handler devolve.
type Response struct {
	Code int
	Meta map[string]string
	Body []byte
}

// Handler atende um request. Roda numa goroutine própria por mensagem.
type Handler func(req *Request) Response

// Options configura o server de teste.
type Options struct {
	RequireAuth bool
	User        string // credenciais aceitas para "plain"
	Password    string
	Token       string // token aceito para "jwt"
	Handler     Handler
	ChunkSize   int         // tamanho de conteúdo por chunk nas respostas
	TLS         *tls.Config // nil = listener TCP puro
}

// DefaultHandler responde os endpoints que o driver sonda: /_api/version com
// um objeto VelocyPack contendo "version", /_api/database/current e
// /_api/cluster/endpoints com 200, e 404 para o resto.
func DefaultHandler(req *Request) Response {
	switch req.Path {
	case "/_api/version":
		body := vpack.Object(
			vpack.KV{Key: "server", Value: vpack.String("nvst-fake")},
			vpack.KV{Key: "version", Value: vpack.String("3.12.0")},
		)
		return Response{Code: 200, Body: body}
	case "/_api/database/current", "/_api/cluster/endpoints":
		return Response{Code: 200, Body: vpack.Object()}
	default:
		return Response{Code: 404, Body: vpack.Object()}
	}
}

// Server é o listener de teste. Handler pode ser trocado a quente com
// SetHandler (os testes de failover alternam 200/503 assim).
type Server struct {
	ln      net.Listener
	logger  *slog.Logger
	opts    Options
	handler atomic.Value // Handler

	mu       sync.Mutex
	conns    map[net.Conn]struct{}
	closed   bool
	wg       sync.WaitGroup
	accepted atomic.Int64
}

// NewServer abre um listener em 127.0.0.1:0 e começa a aceitar conexões.
func NewServer(opts Options, logger *slog.Logger) (*Server, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("vsttest: listening: %w", err)
	}
	if opts.TLS != nil {
		ln = tls.NewListener(ln, opts.TLS)
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = 30000
	}
	s := &Server{
		ln:     ln,
		logger: logger.With("component", "vsttest"),
		opts:   opts,
		conns:  make(map[net.Conn]struct{}),
	}
	h := opts.Handler
	if h == nil {
		h = DefaultHandler
	}
	s.handler.Store(h)
	s.wg.Add(1)
	go s.acceptLoop()
	return s, nil
}

// SetHandler troca o handler para as próximas mensagens.
func (s *Server) SetHandler(h Handler) {
	s.handler.Store(h)
}

// Port retorna a porta do listener.
func (s *Server) Port() int {
	return s.ln.Addr().(*net.TCPAddr).Port
}

// Accepted retorna quantas conexões o server já aceitou.
func (s *Server) Accepted() int64 {
	return s.accepted.Load()
}

// Close derruba o listener e todas as conexões ativas.
func (s *Server) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.ln.Close()
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			conn.Close()
			return
		}
		s.conns[conn] = struct{}{}
		s.mu.Unlock()
		s.accepted.Add(1)
		s.wg.Add(1)
		go s.serve(conn)
	}
}

func (s *Server) serve(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		conn.Close()
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
	}()

	if err := s.readHandshake(conn); err != nil {
		s.logger.Warn("handshake rejected", "error", err)
		return
	}

	var writeMu sync.Mutex
	authed := !s.opts.RequireAuth
	decoder := protocol.NewChunkDecoder()
	buf := make([]byte, 64*1024)

	for {
		n, err := conn.Read(buf)
		if n > 0 {
			msgs, derr := decoder.Push(buf[:n])
			if derr != nil {
				s.logger.Warn("decode error", "error", derr)
				return
			}
			for _, msg := range msgs {
				if err := s.dispatch(conn, &writeMu, &authed, msg); err != nil {
					s.logger.Warn("dispatch error", "error", err)
					return
				}
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				s.logger.Debug("read ended", "error", err)
			}
			return
		}
	}
}

func (s *Server) readHandshake(conn net.Conn) error {
	hs := make([]byte, len(protocol.HandshakeString))
	if _, err := io.ReadFull(conn, hs); err != nil {
		return fmt.Errorf("reading handshake: %w", err)
	}
	if string(hs) != protocol.HandshakeString {
		return fmt.Errorf("invalid handshake %q", hs)
	}
	return nil
}

// dispatch decodifica o head da mensagem e responde. Mensagens de
// autenticação são tratadas inline; requests vão para o handler em goroutine
// própria, com os writes serializados por conexão.
func (s *Server) dispatch(conn net.Conn, writeMu *sync.Mutex, authed *bool, msg protocol.Message) error {
	head := vpack.Slice(msg.Data)
	if !head.IsArray() {
		return fmt.Errorf("message %d head is not an array", msg.ID)
	}
	msgType, err := headInt(head, 1)
	if err != nil {
		return err
	}

	if msgType == 1000 {
		code := s.checkAuth(head)
		if code == 200 {
			*authed = true
		}
		return s.writeResponse(conn, writeMu, msg.ID, Response{Code: code, Body: vpack.Object()})
	}

	if !*authed {
		return s.writeResponse(conn, writeMu, msg.ID, Response{Code: 401, Body: vpack.Object()})
	}

	req, err := decodeRequest(head, msg)
	if err != nil {
		return err
	}
	handler := s.handler.Load().(Handler)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		resp := handler(req)
		if err := s.writeResponse(conn, writeMu, msg.ID, resp); err != nil {
			s.logger.Debug("write response failed", "message_id", msg.ID, "error", err)
		}
	}()
	return nil
}

// checkAuth valida a mensagem de autenticação [1, 1000, encryption, ...].
func (s *Server) checkAuth(head vpack.Slice) int {
	enc, err := headString(head, 2)
	if err != nil {
		return 401
	}
	switch enc {
	case "plain":
		user, uerr := headString(head, 3)
		pass, perr := headString(head, 4)
		if uerr == nil && perr == nil && user == s.opts.User && pass == s.opts.Password {
			return 200
		}
	case "jwt":
		token, terr := headString(head, 3)
		if terr == nil && s.opts.Token != "" && token == s.opts.Token {
			return 200
		}
	}
	return 401
}

// decodeRequest monta a visão server-side a partir do head
// [version, type, database, methodCode, path, query, headers] + body.
func decodeRequest(head vpack.Slice, msg protocol.Message) (*Request, error) {
	headSize, err := head.ByteSize()
	if err != nil {
		return nil, err
	}
	database, err := headString(head, 2)
	if err != nil {
		return nil, err
	}
	method, err := headInt(head, 3)
	if err != nil {
		return nil, err
	}
	path, err := headString(head, 4)
	if err != nil {
		return nil, err
	}
	req := &Request{
		MessageID: msg.ID,
		Database:  database,
		Method:    method,
		Path:      path,
		Body:      msg.Data[headSize:],
	}
	if el, err := head.At(5); err == nil {
		req.Query, _ = el.StringMap()
	}
	if el, err := head.At(6); err == nil {
		req.Header, _ = el.StringMap()
	}
	return req, nil
}

// writeResponse codifica [1, 2, code, meta] + body e escreve os chunks.
func (s *Server) writeResponse(conn net.Conn, writeMu *sync.Mutex, id uint64, resp Response) error {
	meta := vpack.Object()
	if len(resp.Meta) > 0 {
		pairs := make([]vpack.KV, 0, len(resp.Meta))
		for k, v := range resp.Meta {
			pairs = append(pairs, vpack.KV{Key: k, Value: vpack.String(v)})
		}
		meta = vpack.Object(pairs...)
	}
	head := vpack.Array(vpack.Int(1), vpack.Int(2), vpack.Int(int64(resp.Code)), meta)
	payload := make([]byte, 0, len(head)+len(resp.Body))
	payload = append(payload, head...)
	payload = append(payload, resp.Body...)

	writeMu.Lock()
	defer writeMu.Unlock()
	return protocol.WriteMessage(conn, id, payload, s.opts.ChunkSize)
}

func headInt(s vpack.Slice, i int) (int64, error) {
	el, err := s.At(i)
	if err != nil {
		return 0, fmt.Errorf("head element %d: %w", i, err)
	}
	return el.GetInt()
}

func headString(s vpack.Slice, i int) (string, error) {
	el, err := s.At(i)
	if err != nil {
		return "", fmt.Errorf("head element %d: %w", i, err)
	}
	return el.GetString()
}
