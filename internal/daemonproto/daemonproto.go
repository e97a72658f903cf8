// Package daemonproto defines the tool-server daemon's wire protocol: a
// line-delimited JSON request/reply exchanged over a Unix domain socket,
// plus a client that connects, writes one request, reads one response,
// and closes. Grounded on the teacher's internal/mcp
// transport split (transport.go's connect/read/write discipline) adapted
// from a persistent multiplexed connection to this protocol's
// one-request-per-connection model.
package daemonproto

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/agentrt/agentrt/internal/wire"
)

// RequestType tags which request variant a Request carries.
type RequestType string

const (
	ReqPing          RequestType = "Ping"
	ReqStatus        RequestType = "Status"
	ReqListTools     RequestType = "ListTools"
	ReqListAllTools  RequestType = "ListAllTools"
	ReqCallTool      RequestType = "CallTool"
	ReqRefreshServer RequestType = "RefreshServer"
	ReqRefreshAll    RequestType = "RefreshAll"
	ReqShutdown      RequestType = "Shutdown"
)

// Request is the envelope written by a client, one per connection.
type Request struct {
	Type      RequestType     `json:"type"`
	Server    string          `json:"server,omitempty"`
	Tool      string          `json:"tool,omitempty"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// ResponseType tags which response variant a Response carries.
type ResponseType string

const (
	RespPong   ResponseType = "Pong"
	RespStatus ResponseType = "Status"
	RespTools  ResponseType = "Tools"
	RespResult ResponseType = "ToolResult"
	RespOk     ResponseType = "Ok"
	RespError  ResponseType = "Error"
)

// ServerStatus is one ManagedServer's snapshot, returned by Status.
type ServerStatus struct {
	Name          string `json:"name"`
	State         string `json:"state"`
	ToolCount     int    `json:"tool_count"`
	LastUsedSecs  int64  `json:"last_used_secs"`
	UptimeSecs    int64  `json:"uptime_secs"`
}

// Response is the envelope written back by the daemon, one per connection.
type Response struct {
	Type    ResponseType       `json:"type"`
	Servers []ServerStatus     `json:"servers,omitempty"`
	Tools   []wire.ToolDescriptor `json:"tools,omitempty"`
	Result  *wire.ToolResult   `json:"result,omitempty"`
	Message string             `json:"message,omitempty"`
}

// Ping builds a Ping request.
func Ping() Request { return Request{Type: ReqPing} }

// StatusReq builds a Status request.
func StatusReq() Request { return Request{Type: ReqStatus} }

// ListTools builds a ListTools{server} request.
func ListTools(server string) Request { return Request{Type: ReqListTools, Server: server} }

// ListAllTools builds a ListAllTools request.
func ListAllTools() Request { return Request{Type: ReqListAllTools} }

// CallTool builds a CallTool{server, tool, arguments} request.
func CallTool(server, tool string, arguments json.RawMessage) Request {
	return Request{Type: ReqCallTool, Server: server, Tool: tool, Arguments: arguments}
}

// RefreshServer builds a RefreshServer{server} request.
func RefreshServer(server string) Request { return Request{Type: ReqRefreshServer, Server: server} }

// RefreshAll builds a RefreshAll request.
func RefreshAll() Request { return Request{Type: ReqRefreshAll} }

// Shutdown builds a Shutdown request.
func Shutdown() Request { return Request{Type: ReqShutdown} }

// ErrorResponse builds an Error{message} response.
func ErrorResponse(format string, args ...any) Response {
	return Response{Type: RespError, Message: fmt.Sprintf(format, args...)}
}

// OkResponse builds an Ok response.
func OkResponse() Response { return Response{Type: RespOk} }

// ProtocolError signals a mismatched response shape for the request that
// was sent (e.g. a Tools reply to a Ping).
type ProtocolError struct {
	Want RequestType
	Got  ResponseType
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("daemon protocol error: request %s got mismatched response %s", e.Want, e.Got)
}

// TimeoutError signals a read exceeding ReadTimeout.
type TimeoutError struct{ Op string }

func (e *TimeoutError) Error() string { return fmt.Sprintf("daemon %s timed out", e.Op) }

// Client is a one-shot connection factory: each operation dials, writes
// exactly one request line, reads exactly one response line, and closes.
type Client struct {
	SocketPath     string
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
}

// NewClient builds a Client with the given timeouts.
func NewClient(socketPath string, connectTimeout, readTimeout time.Duration) *Client {
	return &Client{SocketPath: socketPath, ConnectTimeout: connectTimeout, ReadTimeout: readTimeout}
}

// dial connects with ConnectTimeout, retrying exactly once after 500ms on
// failure.
func (c *Client) dial() (net.Conn, error) {
	conn, err := net.DialTimeout("unix", c.SocketPath, c.ConnectTimeout)
	if err == nil {
		return conn, nil
	}
	time.Sleep(500 * time.Millisecond)
	return net.DialTimeout("unix", c.SocketPath, c.ConnectTimeout)
}

// RoundTrip performs one dial/write/read/close cycle.
func (c *Client) RoundTrip(req Request) (Response, error) {
	conn, err := c.dial()
	if err != nil {
		return Response{}, fmt.Errorf("daemon connect: %w", err)
	}
	defer conn.Close()

	line, err := json.Marshal(req)
	if err != nil {
		return Response{}, fmt.Errorf("daemon encode request: %w", err)
	}
	line = append(line, '\n')
	if _, err := conn.Write(line); err != nil {
		return Response{}, fmt.Errorf("daemon write: %w", err)
	}

	if c.ReadTimeout > 0 {
		conn.SetReadDeadline(time.Now().Add(c.ReadTimeout))
	}
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				return Response{}, &TimeoutError{Op: "read"}
			}
			return Response{}, fmt.Errorf("daemon read: %w", err)
		}
		return Response{}, fmt.Errorf("daemon read: connection closed without a response")
	}

	var resp Response
	if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
		return Response{}, fmt.Errorf("daemon decode response: %w", err)
	}
	return resp, nil
}

// Ping probes daemon availability; a successful Pong means the daemon is
// available.
func (c *Client) Ping() error {
	resp, err := c.RoundTrip(Ping())
	if err != nil {
		return err
	}
	if resp.Type != RespPong {
		return &ProtocolError{Want: ReqPing, Got: resp.Type}
	}
	return nil
}

// Status fetches the managed-server snapshot.
func (c *Client) Status() ([]ServerStatus, error) {
	resp, err := c.RoundTrip(StatusReq())
	if err != nil {
		return nil, err
	}
	if resp.Type != RespStatus {
		return nil, &ProtocolError{Want: ReqStatus, Got: resp.Type}
	}
	return resp.Servers, nil
}

// ListTools fetches the tool list for one server, starting it if needed.
func (c *Client) ListTools(server string) ([]wire.ToolDescriptor, error) {
	resp, err := c.RoundTrip(ListTools(server))
	if err != nil {
		return nil, err
	}
	switch resp.Type {
	case RespTools:
		return resp.Tools, nil
	case RespError:
		return nil, fmt.Errorf("daemon: %s", resp.Message)
	default:
		return nil, &ProtocolError{Want: ReqListTools, Got: resp.Type}
	}
}

// ListAllTools fetches the union of tool lists for every configured server.
func (c *Client) ListAllTools() ([]wire.ToolDescriptor, error) {
	resp, err := c.RoundTrip(ListAllTools())
	if err != nil {
		return nil, err
	}
	switch resp.Type {
	case RespTools:
		return resp.Tools, nil
	case RespError:
		return nil, fmt.Errorf("daemon: %s", resp.Message)
	default:
		return nil, &ProtocolError{Want: ReqListAllTools, Got: resp.Type}
	}
}

// CallTool dispatches a tool invocation through the daemon.
func (c *Client) CallTool(server, tool string, arguments json.RawMessage) (wire.ToolResult, error) {
	resp, err := c.RoundTrip(CallTool(server, tool, arguments))
	if err != nil {
		return wire.ToolResult{}, err
	}
	switch resp.Type {
	case RespResult:
		if resp.Result == nil {
			return wire.ToolResult{}, fmt.Errorf("daemon: ToolResult response missing result")
		}
		return *resp.Result, nil
	case RespError:
		return wire.ToolResult{}, fmt.Errorf("daemon: %s", resp.Message)
	default:
		return wire.ToolResult{}, &ProtocolError{Want: ReqCallTool, Got: resp.Type}
	}
}

// RefreshServer stops and restarts one managed server.
func (c *Client) RefreshServer(server string) error {
	return c.expectOk(RefreshServer(server), ReqRefreshServer)
}

// RefreshAll restarts every managed server.
func (c *Client) RefreshAll() error {
	return c.expectOk(RefreshAll(), ReqRefreshAll)
}

// Shutdown asks the daemon to tear down all children and exit.
func (c *Client) Shutdown() error {
	return c.expectOk(Shutdown(), ReqShutdown)
}

func (c *Client) expectOk(req Request, want RequestType) error {
	resp, err := c.RoundTrip(req)
	if err != nil {
		return err
	}
	switch resp.Type {
	case RespOk:
		return nil
	case RespError:
		return fmt.Errorf("daemon: %s", resp.Message)
	default:
		return &ProtocolError{Want: want, Got: resp.Type}
	}
}
