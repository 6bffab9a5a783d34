// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-VST License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package driver

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nishisan-dev/n-vst/internal/protocol"
)

// Estados da conexão.
const (
	StateDisconnected = "disconnected"
	StateConnecting   = "connecting"
	StateConnected    = "connected"
)

// defaultConnectTimeout é usado quando a config não define timeout.
const defaultConnectTimeout = 10 * time.Second

// readBufferSize é o tamanho do buffer de leitura do socket.
const readBufferSize = 64 * 1024

// DefaultChunkSize é o tamanho padrão de conteúdo por chunk.
const DefaultChunkSize = 30000

// HostDescription identifica um host do deployment: par imutável (host, port).
type HostDescription struct {
	Host string
	Port int
}

// Addr retorna o endereço no formato host:port.
func (h HostDescription) Addr() string {
	return net.JoinHostPort(h.Host, strconv.Itoa(h.Port))
}

func (h HostDescription) String() string { return h.Addr() }

// ConnectionConfig contém os parâmetros de uma conexão VST.
type ConnectionConfig struct {
	Timeout   time.Duration // deadline fim-a-fim por operação (0 = sem deadline)
	ChunkSize int           // bytes de conteúdo por chunk (0 = DefaultChunkSize)
	TTL       time.Duration // idade máxima da sessão antes de reciclagem (0 = sem)
	TLS       *tls.Config   // nil = TCP puro
}

// Connection é uma conexão VST reativa com afinidade a um único executor.
// Todo o estado mutável (sessão, contador de message id, tabela de remontagem,
// waiters de connect) é tocado apenas em tasks do executor bound; Execute e
// Close podem ser chamados de qualquer goroutine.
//
// Ciclo de vida: disconnected → connecting → connected → disconnected.
// Erros de transporte, timeout ou protocolo derrubam a sessão e falham todos
// os requests em voo; o próximo Execute dispara a reconexão.
type Connection struct {
	host    HostDescription
	cfg     ConnectionConfig
	auth    Authentication // nil = sem autenticação
	exec    *Executor
	store   *MessageStore
	decoder *protocol.ChunkDecoder
	metrics *Metrics
	logger  *slog.Logger

	// Estado afim ao executor.
	sess           net.Conn
	messageID      uint64
	readerGen      uint64
	connectWaiters []chan error

	// Espelhos atômicos para leitura lock-free fora do executor.
	state       atomic.Value // string
	connectedAt atomic.Int64 // unix nanos da sessão corrente (0 = sem sessão)

	initialized atomic.Bool
	closing     atomic.Bool
	closeDone   chan struct{}
	closeOnce   sync.Once
}

// NewConnection cria uma conexão no estado disconnected, vinculada ao
// executor dado. Nenhum I/O acontece até Initialize ou Execute.
func NewConnection(host HostDescription, cfg ConnectionConfig, auth Authentication, exec *Executor, metrics *Metrics, logger *slog.Logger) *Connection {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	c := &Connection{
		host:      host,
		cfg:       cfg,
		auth:      auth,
		exec:      exec,
		metrics:   metrics,
		logger:    logger.With("component", "connection", "host", host.Addr()),
		closeDone: make(chan struct{}),
	}
	c.store = NewMessageStore(c.logger)
	c.decoder = protocol.NewChunkDecoder()
	c.state.Store(StateDisconnected)
	return c
}

// Host retorna o host desta conexão.
func (c *Connection) Host() HostDescription { return c.host }

// State retorna o estado corrente (leitura lock-free).
func (c *Connection) State() string { return c.state.Load().(string) }

// Expired reporta se a sessão corrente ultrapassou o TTL configurado.
func (c *Connection) Expired() bool {
	if c.cfg.TTL <= 0 {
		return false
	}
	at := c.connectedAt.Load()
	return at > 0 && time.Since(time.Unix(0, at)) > c.cfg.TTL
}

// Initialize conecta, faz o handshake VST e autentica (quando configurado).
// Sem autenticação, dispara um probe para validar que o server não exige
// credenciais; o endpoint é cluster-only e um single server pode responder
// 404 — apenas 401 falha. Uma segunda chamada é erro de uso.
func (c *Connection) Initialize(ctx context.Context) error {
	if !c.initialized.CompareAndSwap(false, true) {
		return ErrAlreadyInitialized
	}
	ctx, cancel := c.withOperationDeadline(ctx)
	defer cancel()

	if err := c.awaitConnected(ctx); err != nil {
		return c.mapAwaitError("initialize", err)
	}
	if c.auth == nil {
		resp, err := c.Execute(ctx, NewRequest("_system", MethodGet, "/_api/cluster/endpoints"))
		if err != nil {
			return fmt.Errorf("no-auth probe: %w", err)
		}
		if resp.ResponseCode == 401 {
			aerr := &AuthenticationError{Code: 401, Message: "server requires authentication"}
			c.exec.Submit(func() { c.handleErrorLocked(aerr) })
			return aerr
		}
	}
	return nil
}

// Execute envia um request e aguarda a resposta correspondente.
// Pode ser chamado de qualquer goroutine; com a conexão caída, dispara a
// reconexão (incluindo autenticação) antes do envio. Um único deadline
// governa a operação inteira; no estouro, a conexão é resetada.
func (c *Connection) Execute(ctx context.Context, req *Request) (*Response, error) {
	if c.closing.Load() {
		return nil, ErrConnectionClosed
	}
	ctx, cancel := c.withOperationDeadline(ctx)
	defer cancel()

	if err := c.awaitConnected(ctx); err != nil {
		return nil, c.mapAwaitError("connect", err)
	}

	compCh := make(chan *Completion, 1)
	errCh := make(chan error, 1)
	if err := c.exec.Submit(func() { c.sendLocked(req, compCh, errCh) }); err != nil {
		return nil, err
	}

	var comp *Completion
	select {
	case comp = <-compCh:
	case err := <-errCh:
		return nil, err
	case <-ctx.Done():
		return nil, c.mapAwaitError("execute", ctx.Err())
	}

	resp, err := comp.Await(ctx)
	if err != nil {
		return nil, c.mapAwaitError("execute", err)
	}
	c.metrics.RequestsTotal.WithLabelValues(codeClass(resp.ResponseCode)).Inc()
	return resp, nil
}

// Close é idempotente: derruba a sessão, falha os requests em voo com
// ErrConnectionClosed e só retorna depois do socket descartado. Chamadas
// subsequentes aguardam o mesmo término.
func (c *Connection) Close() error {
	if !c.closing.CompareAndSwap(false, true) {
		<-c.closeDone
		return nil
	}
	err := c.exec.Submit(func() {
		if c.State() == StateDisconnected {
			c.decoder.Reset()
			c.signalCloseDone()
			return
		}
		c.handleErrorLocked(ErrConnectionClosed)
	})
	if err != nil {
		c.signalCloseDone()
		return err
	}
	<-c.closeDone
	return nil
}

// ---- tasks no executor ----

// sendLocked aloca um message id, registra o completion e escreve os chunks.
func (c *Connection) sendLocked(req *Request, compCh chan *Completion, errCh chan error) {
	if c.State() != StateConnected {
		errCh <- ErrConnectionClosed
		return
	}
	payload, err := req.encodePayload()
	if err != nil {
		errCh <- err
		return
	}
	id := c.nextMessageIDLocked()
	comp := c.store.Add(id)
	if err := c.writeMessageLocked(id, payload); err != nil {
		terr := &TransportError{Op: "write", Err: err}
		c.handleErrorLocked(terr)
		errCh <- terr
		return
	}
	c.metrics.RequestsInFlight.Set(float64(c.store.Size()))
	compCh <- comp
}

// connectLocked resolve o pedido de conexão conforme o estado corrente.
func (c *Connection) connectLocked(ready chan error) {
	if c.closing.Load() {
		signal(ready, ErrConnectionClosed)
		return
	}
	switch c.State() {
	case StateConnected:
		signal(ready, nil)
	case StateConnecting:
		c.connectWaiters = append(c.connectWaiters, ready)
	default:
		c.startConnectLocked(ready)
	}
}

// startConnectLocked faz dial + handshake e, com autenticação configurada,
// envia a mensagem de auth e fica em connecting até a resposta chegar.
func (c *Connection) startConnectLocked(ready chan error) {
	c.state.Store(StateConnecting)

	sess, err := c.dialAndHandshake()
	if err != nil {
		c.state.Store(StateDisconnected)
		c.logger.Warn("connect failed", "error", err)
		signal(ready, err)
		return
	}

	c.sess = sess
	c.connectedAt.Store(time.Now().UnixNano())
	c.readerGen++
	c.startReader(sess, c.readerGen)
	c.metrics.ConnectionsOpen.Inc()
	c.logger.Debug("session established")

	if c.auth == nil {
		c.state.Store(StateConnected)
		signal(ready, nil)
		c.notifyWaitersLocked(nil)
		return
	}

	payload, err := c.auth.Payload()
	if err != nil {
		c.handleErrorLocked(err)
		signal(ready, err)
		return
	}
	id := c.nextMessageIDLocked()
	comp := c.store.Add(id)
	if err := c.writeMessageLocked(id, payload); err != nil {
		terr := &TransportError{Op: "write", Err: err}
		c.handleErrorLocked(terr)
		signal(ready, terr)
		return
	}

	// O slot de auth resolve neste mesmo executor (via handleBytes); o await
	// precisa acontecer fora dele. Waiters — incluindo o ready deste pedido —
	// são notificados quando a autenticação termina ou a conexão cai.
	c.connectWaiters = append(c.connectWaiters, ready)
	gen := c.readerGen
	timeout := c.cfg.Timeout
	if timeout <= 0 {
		timeout = defaultConnectTimeout
	}
	go func() {
		authCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		resp, aerr := comp.Await(authCtx)
		if errors.Is(aerr, context.DeadlineExceeded) {
			aerr = &TimeoutError{Op: "authentication", Timeout: timeout}
		}
		c.exec.Submit(func() { c.finishAuthLocked(gen, resp, aerr) })
	}()
}

// finishAuthLocked conclui a transição connecting → connected.
func (c *Connection) finishAuthLocked(gen uint64, resp *Response, err error) {
	if gen != c.readerGen || c.State() != StateConnecting {
		// A conexão caiu no meio; os waiters já foram notificados.
		return
	}
	if err != nil {
		c.handleErrorLocked(err)
		return
	}
	if resp.ResponseCode != 200 {
		aerr := &AuthenticationError{Code: resp.ResponseCode, Message: "vst authentication rejected"}
		c.handleErrorLocked(aerr)
		return
	}
	c.logger.Debug("authenticated", "method", c.auth.Name())
	c.state.Store(StateConnected)
	c.notifyWaitersLocked(nil)
}

// handleBytesLocked alimenta o decoder com bytes do reader e resolve as
// mensagens completas no store.
func (c *Connection) handleBytesLocked(gen uint64, data []byte) {
	if gen != c.readerGen || c.State() == StateDisconnected {
		return
	}
	c.metrics.BytesReceived.Add(float64(len(data)))
	msgs, err := c.decoder.Push(data)
	if err != nil {
		c.handleErrorLocked(&ProtocolError{Err: err})
		return
	}
	for _, m := range msgs {
		if err := c.store.Resolve(m.ID, m.Data); err != nil {
			c.handleErrorLocked(&ProtocolError{Err: err})
			return
		}
	}
	c.metrics.RequestsInFlight.Set(float64(c.store.Size()))
}

// handleErrorLocked é o reset central da conexão. Sempre no executor bound:
// num estado já disconnected é no-op. Derruba a sessão, limpa a remontagem,
// falha todos os completions pendentes com o erro, zera o contador de message
// id e — com closing armado — completa o close.
func (c *Connection) handleErrorLocked(err error) {
	if c.State() == StateDisconnected {
		if c.closing.Load() {
			c.signalCloseDone()
		}
		return
	}
	c.logger.Warn("connection reset", "error", err, "in_flight", c.store.Size())

	c.state.Store(StateDisconnected)
	c.decoder.Reset()
	c.store.Clear(err)
	c.messageID = 0
	c.readerGen++
	if c.sess != nil {
		c.sess.Close()
		c.sess = nil
		c.metrics.ConnectionsOpen.Dec()
	}
	c.connectedAt.Store(0)
	c.metrics.RequestsInFlight.Set(0)
	c.metrics.ConnectionResets.Inc()
	c.notifyWaitersLocked(err)
	if c.closing.Load() {
		c.signalCloseDone()
	}
}

// ---- suporte ----

// dialAndHandshake estabelece a sessão TCP (e TLS, quando configurado) e
// escreve o preâmbulo VST.
func (c *Connection) dialAndHandshake() (net.Conn, error) {
	timeout := c.cfg.Timeout
	if timeout <= 0 {
		timeout = defaultConnectTimeout
	}
	dialer := net.Dialer{Timeout: timeout}
	raw, err := dialer.Dial("tcp", c.host.Addr())
	if err != nil {
		return nil, &TransportError{Op: "connect", Err: err}
	}

	sess := net.Conn(raw)
	if c.cfg.TLS != nil {
		// tls.Client não deriva o ServerName do endereço como tls.Dial faz.
		tlsCfg := c.cfg.TLS.Clone()
		if tlsCfg.ServerName == "" {
			tlsCfg.ServerName = c.host.Host
		}
		tlsConn := tls.Client(raw, tlsCfg)
		tlsConn.SetDeadline(time.Now().Add(timeout))
		if err := tlsConn.Handshake(); err != nil {
			raw.Close()
			return nil, &TransportError{Op: "tls handshake", Err: err}
		}
		tlsConn.SetDeadline(time.Time{})
		sess = tlsConn
	}

	if err := protocol.WriteHandshake(sess); err != nil {
		sess.Close()
		return nil, &TransportError{Op: "handshake", Err: err}
	}
	return sess, nil
}

// startReader dispara a goroutine de leitura da sessão. Os bytes cruzam a
// fronteira reader → executor por cópia defensiva; a geração invalida readers
// de sessões antigas após um reset.
func (c *Connection) startReader(sess net.Conn, gen uint64) {
	go func() {
		buf := make([]byte, readBufferSize)
		for {
			n, err := sess.Read(buf)
			if n > 0 {
				data := make([]byte, n)
				copy(data, buf[:n])
				if c.exec.Submit(func() { c.handleBytesLocked(gen, data) }) != nil {
					return
				}
			}
			if err != nil {
				rerr := &TransportError{Op: "read", Err: err}
				c.exec.Submit(func() {
					if gen == c.readerGen {
						c.handleErrorLocked(rerr)
					}
				})
				return
			}
		}
	}()
}

// writeMessageLocked escreve os chunks da mensagem na sessão corrente.
func (c *Connection) writeMessageLocked(id uint64, payload []byte) error {
	if c.cfg.Timeout > 0 {
		c.sess.SetWriteDeadline(time.Now().Add(c.cfg.Timeout))
	}
	for _, chunk := range protocol.EncodeChunks(id, payload, c.cfg.ChunkSize) {
		if _, err := c.sess.Write(chunk); err != nil {
			return err
		}
		c.metrics.BytesSent.Add(float64(len(chunk)))
	}
	return nil
}

// awaitConnected garante estado connected, disparando ou aguardando uma
// tentativa de conexão.
func (c *Connection) awaitConnected(ctx context.Context) error {
	ready := make(chan error, 1)
	if err := c.exec.Submit(func() { c.connectLocked(ready) }); err != nil {
		return err
	}
	select {
	case err := <-ready:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// mapAwaitError traduz um deadline estourado em TimeoutError e agenda o
// reset da conexão; outros erros passam inalterados.
func (c *Connection) mapAwaitError(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		terr := &TimeoutError{Op: op, Timeout: c.cfg.Timeout}
		c.exec.Submit(func() { c.handleErrorLocked(terr) })
		return terr
	}
	return err
}

func (c *Connection) nextMessageIDLocked() uint64 {
	c.messageID++
	return c.messageID
}

func (c *Connection) notifyWaitersLocked(err error) {
	for _, ch := range c.connectWaiters {
		signal(ch, err)
	}
	c.connectWaiters = nil
}

func (c *Connection) signalCloseDone() {
	c.closeOnce.Do(func() { close(c.closeDone) })
}

func (c *Connection) withOperationDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.cfg.Timeout > 0 {
		if _, has := ctx.Deadline(); !has {
			return context.WithTimeout(ctx, c.cfg.Timeout)
		}
	}
	return ctx, func() {}
}

// signal entrega err num canal bufferizado sem nunca bloquear.
func signal(ch chan error, err error) {
	select {
	case ch <- err:
	default:
	}
}
