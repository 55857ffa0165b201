package ipc

import (
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"strings"
	"time"

	"mxgate/internal/gateway"
)

const dialTimeout = 2 * time.Second

// Client provides RPC access to a running daemon. Methods that carry a
// fault return the decoded response alongside the typed error, so
// partial results (a delete batch that stopped midway) stay readable.
type Client struct {
	conn    net.Conn
	client  *rpc.Client
	timeout time.Duration
}

// Dial connects to the daemon's control plane. The timeout bounds each
// subsequent call; zero means wait indefinitely.
func Dial(address string, timeout time.Duration) (*Client, error) {
	conn, err := net.DialTimeout("tcp", address, dialTimeout)
	if err != nil {
		return nil, gateway.Wrap(gateway.ErrDaemonUnavailable, "ipc", "dial "+address, "", err)
	}
	rpcClient := rpc.NewClientWithCodec(jsonrpc.NewClientCodec(conn))
	return &Client{conn: conn, client: rpcClient, timeout: timeout}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	if c.client != nil {
		_ = c.client.Close()
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

func (c *Client) call(method string, args, reply any) error {
	return c.callWithTimeout(method, args, reply, c.timeout)
}

func (c *Client) callWithTimeout(method string, args, reply any, timeout time.Duration) error {
	operation := strings.ToLower(method)
	if timeout <= 0 {
		if err := c.client.Call(ServiceName+"."+method, args, reply); err != nil {
			return translateCallError(operation, err)
		}
		return nil
	}

	call := c.client.Go(ServiceName+"."+method, args, reply, make(chan *rpc.Call, 1))
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case done := <-call.Done:
		if done.Error != nil {
			return translateCallError(operation, done.Error)
		}
		return nil
	case <-timer.C:
		// The daemon may still complete the job; this caller stops
		// waiting. The connection is unusable after an abandoned call.
		_ = c.Close()
		return gateway.Wrap(gateway.ErrDaemonUnavailable, "ipc", operation, "timed out waiting for the daemon", nil)
	}
}

// translateCallError maps transport-level failures into the taxonomy.
// net/rpc flattens server errors to strings, so matching is textual.
func translateCallError(operation string, err error) error {
	if err == nil {
		return nil
	}
	message := err.Error()
	switch {
	case strings.Contains(message, "can't find method"), strings.Contains(message, "can't find service"):
		return gateway.Wrap(gateway.ErrUnsupported, "ipc", operation, "daemon does not implement this operation", nil)
	case strings.Contains(message, "unmarshal"), strings.Contains(message, "json:"):
		return gateway.Wrap(gateway.ErrBadRequest, "ipc", operation, "", err)
	}
	return gateway.Wrap(gateway.ErrDaemonUnavailable, "ipc", operation, "", err)
}

// Send posts a text message to a chat.
func (c *Client) Send(chat, text string) (*SendResponse, error) {
	var resp SendResponse
	if err := c.call("Send", SendRequest{Chat: chat, Text: text}, &resp); err != nil {
		return nil, err
	}
	return &resp, resp.Fault.Err()
}

// SendFile uploads a local file and posts it to a chat.
func (c *Client) SendFile(chat, path, caption string, voice bool) (*SendFileResponse, error) {
	var resp SendFileResponse
	req := SendFileRequest{Chat: chat, Path: path, Caption: caption, Voice: voice}
	if err := c.call("SendFile", req, &resp); err != nil {
		return nil, err
	}
	return &resp, resp.Fault.Err()
}

// Messages fetches recent messages of a chat, newest first.
func (c *Client) Messages(chat string, limit int) (*MessagesResponse, error) {
	var resp MessagesResponse
	if err := c.call("Messages", MessagesRequest{Chat: chat, Limit: limit}, &resp); err != nil {
		return nil, err
	}
	return &resp, resp.Fault.Err()
}

// Dialogs searches the daemon's cached conversations.
func (c *Client) Dialogs(query string, limit int) (*DialogsResponse, error) {
	var resp DialogsResponse
	if err := c.call("Dialogs", DialogsRequest{Query: query, Limit: limit}, &resp); err != nil {
		return nil, err
	}
	return &resp, resp.Fault.Err()
}

// Download saves the media behind a message to disk on the daemon's
// host.
func (c *Client) Download(chat, eventID, savePath string) (*DownloadResponse, error) {
	var resp DownloadResponse
	req := DownloadRequest{Chat: chat, EventID: eventID, SavePath: savePath}
	if err := c.call("Download", req, &resp); err != nil {
		return nil, err
	}
	return &resp, resp.Fault.Err()
}

// Edit replaces the text of an earlier message.
func (c *Client) Edit(chat, eventID, text string) (*EditResponse, error) {
	var resp EditResponse
	req := EditRequest{Chat: chat, EventID: eventID, Text: text}
	if err := c.call("Edit", req, &resp); err != nil {
		return nil, err
	}
	return &resp, resp.Fault.Err()
}

// Delete redacts messages by id. On a mid-batch failure the response
// still reports how many redactions landed.
func (c *Client) Delete(chat string, eventIDs []string) (*DeleteResponse, error) {
	var resp DeleteResponse
	if err := c.call("Delete", DeleteRequest{Chat: chat, EventIDs: eventIDs}, &resp); err != nil {
		return nil, err
	}
	return &resp, resp.Fault.Err()
}

// Whoami verifies the session against the backend.
func (c *Client) Whoami() (*WhoamiResponse, error) {
	var resp WhoamiResponse
	if err := c.call("Whoami", WhoamiRequest{}, &resp); err != nil {
		return nil, err
	}
	return &resp, resp.Fault.Err()
}

// Status retrieves the daemon's status snapshot.
func (c *Client) Status() (*StatusResponse, error) {
	var resp StatusResponse
	if err := c.call("Status", StatusRequest{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Stop asks the daemon process to shut down.
func (c *Client) Stop() (*StopResponse, error) {
	var resp StopResponse
	if err := c.call("Stop", StopRequest{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// LogTail returns log lines from the daemon. The call budget stretches
// to cover a follow long-poll.
func (c *Client) LogTail(req LogTailRequest) (*LogTailResponse, error) {
	timeout := c.timeout
	if wait := time.Duration(req.WaitMillis) * time.Millisecond; wait > 0 && (timeout <= 0 || timeout < wait+2*time.Second) {
		timeout = wait + 2*time.Second
	}
	var resp LogTailResponse
	if err := c.callWithTimeout("LogTail", req, &resp, timeout); err != nil {
		return nil, err
	}
	return &resp, nil
}

// TestNotification triggers a notification test via the daemon.
func (c *Client) TestNotification() (*TestNotificationResponse, error) {
	var resp TestNotificationResponse
	if err := c.call("TestNotification", TestNotificationRequest{}, &resp); err != nil {
		return nil, err
	}
	return &resp, resp.Fault.Err()
}
