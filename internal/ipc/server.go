package ipc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"sync"
	"time"

	"log/slog"

	"mxgate/internal/daemon"
	"mxgate/internal/gateway"
	"mxgate/internal/logging"
	"mxgate/internal/logs"
)

// Server exposes daemon control via JSON-RPC over a loopback TCP
// listener. Non-loopback listen addresses are refused outright.
type Server struct {
	address   string
	daemon    *daemon.Daemon
	logger    *slog.Logger
	listener  net.Listener
	rpcServer *rpc.Server

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	connMu sync.Mutex
	conns  map[net.Conn]struct{}
}

// NewServer binds the control plane at the given loopback address.
// Passing port 0 picks a free port; Addr reports the bound address.
func NewServer(ctx context.Context, address string, d *daemon.Daemon, logger *slog.Logger) (*Server, error) {
	if d == nil {
		return nil, errors.New("ipc server requires daemon")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	logger = logging.NewComponentLogger(logger, "ipc")

	if err := ensureLoopback(address); err != nil {
		return nil, err
	}

	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", address, err)
	}

	rpcServer := rpc.NewServer()
	srv := &service{daemon: d, logger: logger, ctx: ctx}
	if err := rpcServer.RegisterName(ServiceName, srv); err != nil {
		listener.Close()
		return nil, fmt.Errorf("register rpc service: %w", err)
	}

	serverCtx, cancel := context.WithCancel(ctx)
	return &Server{
		address:   address,
		daemon:    d,
		logger:    logger,
		listener:  listener,
		rpcServer: rpcServer,
		ctx:       serverCtx,
		cancel:    cancel,
		conns:     make(map[net.Conn]struct{}),
	}, nil
}

// ensureLoopback rejects listen addresses that would expose the control
// plane beyond the local host.
func ensureLoopback(address string) error {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return fmt.Errorf("parse listen address %q: %w", address, err)
	}
	if host == "localhost" {
		return nil
	}
	ip := net.ParseIP(host)
	if ip == nil || !ip.IsLoopback() {
		return fmt.Errorf("refusing non-loopback listen address %q", address)
	}
	return nil
}

// Addr returns the bound listen address.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.address
	}
	return s.listener.Addr().String()
}

// Serve starts accepting RPC connections until the context is canceled.
func (s *Server) Serve() {
	s.logger.Debug("control plane listening", logging.String("address", s.Addr()))
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			conn, err := s.listener.Accept()
			if err != nil {
				select {
				case <-s.ctx.Done():
					return
				default:
				}
				s.logger.Warn("accept failed", logging.Error(err))
				continue
			}
			s.track(conn)
			s.wg.Add(1)
			go func(c net.Conn) {
				defer s.wg.Done()
				defer s.untrack(c)
				s.rpcServer.ServeCodec(jsonrpc.NewServerCodec(c))
			}(conn)
		}
	}()
}

// Close stops accepting connections, drops open ones, and waits for
// in-flight calls. Closing the listener alone would leave idle client
// connections holding the shutdown open.
func (s *Server) Close() {
	s.cancel()
	if s.listener != nil {
		_ = s.listener.Close()
	}
	s.connMu.Lock()
	for conn := range s.conns {
		_ = conn.Close()
	}
	s.connMu.Unlock()
	s.wg.Wait()
}

func (s *Server) track(conn net.Conn) {
	s.connMu.Lock()
	s.conns[conn] = struct{}{}
	s.connMu.Unlock()
}

func (s *Server) untrack(conn net.Conn) {
	s.connMu.Lock()
	delete(s.conns, conn)
	s.connMu.Unlock()
	_ = conn.Close()
}

// service implements the RPC surface. Faults ride inside responses so
// their Kind survives the wire; the error return stays nil except for
// encoding failures net/rpc handles itself.
type service struct {
	daemon *daemon.Daemon
	logger *slog.Logger
	ctx    context.Context
}

// faultOf captures an error as a wire fault. Nil in, nil out.
func faultOf(err error) *Fault {
	if err == nil {
		return nil
	}
	return &Fault{
		Kind:    gateway.Kind(err),
		Message: err.Error(),
		Hint:    gateway.Hint(err),
	}
}

// submit runs one session operation through the request lane. The
// gateway handle is resolved up front so a stopped daemon reports
// DaemonUnavailable instead of panicking inside the job.
func (s *service) submit(operation string, fn func(ctx context.Context, gw *gateway.Gateway) (any, error)) (any, error) {
	gw := s.daemon.Gateway()
	if gw == nil {
		return nil, gateway.Wrap(gateway.ErrDaemonUnavailable, "ipc", operation, "gateway not running", nil)
	}
	return s.daemon.Submit(s.ctx, operation, func(ctx context.Context) (any, error) {
		return fn(ctx, gw)
	})
}

func (s *service) Send(req SendRequest, resp *SendResponse) error {
	value, err := s.submit("send", func(ctx context.Context, gw *gateway.Gateway) (any, error) {
		return gw.SendMessage(ctx, req.Chat, req.Text)
	})
	if ref, ok := value.(gateway.MessageRef); ok {
		resp.RoomID = ref.RoomID
		resp.EventID = ref.EventID
	}
	resp.Fault = faultOf(err)
	return nil
}

func (s *service) SendFile(req SendFileRequest, resp *SendFileResponse) error {
	value, err := s.submit("send_file", func(ctx context.Context, gw *gateway.Gateway) (any, error) {
		return gw.SendFile(ctx, req.Chat, req.Path, req.Caption, req.Voice)
	})
	if ref, ok := value.(gateway.MessageRef); ok {
		resp.RoomID = ref.RoomID
		resp.EventID = ref.EventID
	}
	resp.Fault = faultOf(err)
	return nil
}

func (s *service) Messages(req MessagesRequest, resp *MessagesResponse) error {
	value, err := s.submit("messages", func(ctx context.Context, gw *gateway.Gateway) (any, error) {
		return gw.Messages(ctx, req.Chat, req.Limit)
	})
	if messages, ok := value.([]gateway.Message); ok {
		resp.Messages = messages
	}
	resp.Fault = faultOf(err)
	return nil
}

func (s *service) Dialogs(req DialogsRequest, resp *DialogsResponse) error {
	value, err := s.submit("dialogs", func(ctx context.Context, gw *gateway.Gateway) (any, error) {
		return gw.SearchDialogs(ctx, req.Query, req.Limit)
	})
	if dialogs, ok := value.([]gateway.DialogInfo); ok {
		resp.Dialogs = dialogs
	}
	resp.Fault = faultOf(err)
	return nil
}

func (s *service) Download(req DownloadRequest, resp *DownloadResponse) error {
	value, err := s.submit("download", func(ctx context.Context, gw *gateway.Gateway) (any, error) {
		return gw.Download(ctx, req.Chat, req.EventID, req.SavePath)
	})
	if result, ok := value.(gateway.DownloadResult); ok {
		resp.Path = result.Path
		resp.Bytes = result.Bytes
		resp.ContentType = result.ContentType
	}
	resp.Fault = faultOf(err)
	return nil
}

func (s *service) Edit(req EditRequest, resp *EditResponse) error {
	value, err := s.submit("edit", func(ctx context.Context, gw *gateway.Gateway) (any, error) {
		return gw.EditMessage(ctx, req.Chat, req.EventID, req.Text)
	})
	if ref, ok := value.(gateway.MessageRef); ok {
		resp.RoomID = ref.RoomID
		resp.EventID = ref.EventID
	}
	resp.Fault = faultOf(err)
	return nil
}

// Delete reports partial progress even on failure: the batch stops at
// the first backend error and the counts say how far it got.
func (s *service) Delete(req DeleteRequest, resp *DeleteResponse) error {
	value, err := s.submit("delete", func(ctx context.Context, gw *gateway.Gateway) (any, error) {
		return gw.DeleteMessages(ctx, req.Chat, req.EventIDs)
	})
	if result, ok := value.(gateway.DeleteResult); ok {
		resp.Requested = result.Requested
		resp.Deleted = result.Deleted
	}
	resp.Fault = faultOf(err)
	return nil
}

func (s *service) Whoami(_ WhoamiRequest, resp *WhoamiResponse) error {
	value, err := s.submit("whoami", func(ctx context.Context, gw *gateway.Gateway) (any, error) {
		return gw.Whoami(ctx)
	})
	if identity, ok := value.(gateway.Identity); ok {
		resp.Identity = identity
	}
	resp.Fault = faultOf(err)
	return nil
}

// Status answers directly from the daemon's snapshot. It never queues
// behind session operations, so it works while the lane is busy.
func (s *service) Status(_ StatusRequest, resp *StatusResponse) error {
	status := s.daemon.Status()
	resp.Running = status.Running
	resp.PID = status.PID
	resp.StartedAt = status.StartedAt
	resp.Address = status.Address
	resp.LogPath = status.LogPath
	resp.StorePath = status.StorePath
	resp.Session = status.Session
	resp.Queue = QueueStatus{
		Busy:             status.Lane.Busy,
		CurrentOperation: status.Lane.CurrentOperation,
		Depth:            status.Lane.Depth,
		Capacity:         status.Lane.Capacity,
		Accepted:         status.Lane.Accepted,
		Rejected:         status.Lane.Rejected,
		Completed:        status.Lane.Completed,
		Failed:           status.Lane.Failed,
	}
	return nil
}

// Stop acknowledges immediately and signals the run loop; teardown
// happens after the response is written.
func (s *service) Stop(_ StopRequest, resp *StopResponse) error {
	s.logger.Info("stop requested over control plane")
	s.daemon.RequestShutdown()
	resp.Stopping = true
	return nil
}

func (s *service) LogTail(req LogTailRequest, resp *LogTailResponse) error {
	logPath := s.daemon.LogPath()
	if logPath == "" {
		resp.Offset = 0
		return nil
	}
	wait := time.Duration(req.WaitMillis) * time.Millisecond
	if wait <= 0 && req.Follow {
		wait = time.Second
	}
	options := logs.Options{
		Offset: req.Offset,
		Lines:  req.Lines,
		Follow: req.Follow,
		Wait:   wait,
	}
	ctx := s.ctx
	if req.Follow && wait > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(s.ctx, wait+500*time.Millisecond)
		defer cancel()
	}
	result, err := logs.Tail(ctx, logPath, options)
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	resp.Lines = result.Lines
	resp.Offset = result.NextOffset
	return nil
}

func (s *service) TestNotification(_ TestNotificationRequest, resp *TestNotificationResponse) error {
	sent, message, err := s.daemon.TestNotification(s.ctx)
	resp.Sent = sent
	resp.Message = message
	resp.Fault = faultOf(err)
	return nil
}
