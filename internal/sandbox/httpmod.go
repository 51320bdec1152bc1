package sandbox

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"strings"

	lua "github.com/yuin/gopher-lua"

	"github.com/wudi/funcrun/internal/errors"
)

// registerHTTP installs the outbound HTTP client. Every connection first
// passes the project's egress policy; the dialer connects only to the
// addresses the policy returned.
func registerHTTP(L *lua.LState, inv *invocation) {
	mod := L.NewTable()
	L.SetField(mod, "request", L.NewFunction(func(L *lua.LState) int { return httpRequest(L, inv) }))
	L.SetField(mod, "get", L.NewFunction(func(L *lua.LState) int { return httpShorthand(L, inv, "GET", false) }))
	L.SetField(mod, "post", L.NewFunction(func(L *lua.LState) int { return httpShorthand(L, inv, "POST", true) }))
	L.SetGlobal("http", mod)
}

// newPolicyClient builds a client whose dialer enforces inv.policy.
func newPolicyClient(inv *invocation) *http.Client {
	dialer := &net.Dialer{}
	transport := &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, port, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, err
			}
			addrs, err := inv.policy(ctx, host)
			if err != nil {
				return nil, err
			}
			var lastErr error
			for _, a := range addrs {
				conn, err := dialer.DialContext(ctx, network, net.JoinHostPort(a.String(), port))
				if err == nil {
					return conn, nil
				}
				lastErr = err
			}
			return nil, lastErr
		},
		// Redirect targets are re-dialed, so they pass the policy too.
		DisableKeepAlives: true,
	}
	return &http.Client{Transport: transport}
}

func httpShorthand(L *lua.LState, inv *invocation, method string, hasBody bool) int {
	target := L.CheckString(1)
	opts := L.NewTable()
	L.SetField(opts, "method", lua.LString(method))
	L.SetField(opts, "url", lua.LString(target))
	arg := 2
	if hasBody {
		L.SetField(opts, "body", lua.LString(L.CheckString(2)))
		arg = 3
	}
	if L.GetTop() >= arg {
		L.SetField(opts, "headers", L.CheckTable(arg))
	}
	return doRequest(L, inv, opts)
}

func httpRequest(L *lua.LState, inv *invocation) int {
	return doRequest(L, inv, L.CheckTable(1))
}

func doRequest(L *lua.LState, inv *invocation, opts *lua.LTable) int {
	method := strings.ToUpper(lua.LVAsString(L.GetField(opts, "method")))
	if method == "" {
		method = "GET"
	}
	target := lua.LVAsString(L.GetField(opts, "url"))
	if target == "" {
		L.ArgError(1, "url is required")
		return 0
	}
	var body io.Reader
	if b := lua.LVAsString(L.GetField(opts, "body")); b != "" {
		body = bytes.NewReader([]byte(b))
	}

	req, err := http.NewRequestWithContext(inv.ctx, method, target, body)
	if err != nil {
		L.ArgError(1, "bad request: "+err.Error())
		return 0
	}
	if headers, ok := L.GetField(opts, "headers").(*lua.LTable); ok {
		headers.ForEach(func(k, v lua.LValue) {
			req.Header.Set(k.String(), v.String())
		})
	}

	resp, err := newPolicyClient(inv).Do(req)
	if err != nil {
		if errors.KindOf(unwrapURLError(err)) == errors.KindPolicyDenied {
			raisePlatform(L, errors.KindPolicyDenied, err.Error())
			return 0
		}
		if inv.ctx.Err() != nil {
			raisePlatform(L, errors.KindTimeout, "invocation deadline exceeded")
			return 0
		}
		raisePlatform(L, errors.KindInfrastructure, "outbound request failed: "+err.Error())
		return 0
	}
	defer resp.Body.Close()

	limit := int64(inv.limits.FetchMaxBytes)
	var data []byte
	if limit > 0 {
		data, err = io.ReadAll(io.LimitReader(resp.Body, limit+1))
		if err == nil && int64(len(data)) > limit {
			raisePlatform(L, errors.KindResourceLimit, "outbound response exceeds limit")
			return 0
		}
	} else {
		data, err = io.ReadAll(resp.Body)
	}
	if err != nil {
		raisePlatform(L, errors.KindInfrastructure, "outbound read failed: "+err.Error())
		return 0
	}

	result := L.NewTable()
	L.SetField(result, "status", lua.LNumber(resp.StatusCode))
	L.SetField(result, "body", lua.LString(string(data)))
	headers := L.NewTable()
	for k, vs := range resp.Header {
		if len(vs) > 0 {
			L.SetField(headers, k, lua.LString(vs[0]))
		}
	}
	L.SetField(result, "headers", headers)
	L.Push(result)
	return 1
}

// unwrapURLError digs the platform error out of the client's url.Error
// wrapping.
func unwrapURLError(err error) error {
	for {
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return err
		}
		inner := u.Unwrap()
		if inner == nil {
			return err
		}
		err = inner
	}
}
