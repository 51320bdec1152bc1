package sandbox

import (
	"net/http"

	lua "github.com/yuin/gopher-lua"

	"github.com/wudi/funcrun/internal/errors"
)

// resBuffer accumulates the handler's response. Terminal calls (send, json,
// redirect, send_status) are single-shot.
type resBuffer struct {
	status   int
	headers  http.Header
	body     []byte
	sent     bool
	maxBytes int
}

func newResBuffer(maxBytes int) *resBuffer {
	return &resBuffer{status: 200, headers: make(http.Header), maxBytes: maxBytes}
}

func (b *resBuffer) response() *Response {
	return &Response{Status: b.status, Headers: b.headers, Body: b.body}
}

// newResponseUserData exposes the response buffer to handler code.
func newResponseUserData(L *lua.LState, inv *invocation) *lua.LUserData {
	ud := L.NewUserData()
	ud.Value = inv

	mt := L.NewTable()
	index := L.NewTable()

	L.SetField(index, "status", L.NewFunction(resStatus))
	L.SetField(index, "set", L.NewFunction(resSet))
	L.SetField(index, "get", L.NewFunction(resGet))
	L.SetField(index, "type", L.NewFunction(resType))
	L.SetField(index, "send", L.NewFunction(resSend))
	L.SetField(index, "json", L.NewFunction(resJSON))
	L.SetField(index, "redirect", L.NewFunction(resRedirect))
	L.SetField(index, "send_status", L.NewFunction(resSendStatus))

	L.SetField(mt, "__index", index)
	L.SetMetatable(ud, mt)
	return ud
}

func checkRes(L *lua.LState) *invocation {
	ud := L.CheckUserData(1)
	if inv, ok := ud.Value.(*invocation); ok {
		return inv
	}
	L.ArgError(1, "response expected")
	return nil
}

// markSent enforces the single-shot terminal contract.
func markSent(L *lua.LState, b *resBuffer) {
	if b.sent {
		L.RaiseError("response already sent")
	}
	b.sent = true
}

func (b *resBuffer) setBody(L *lua.LState, body []byte) {
	if b.maxBytes > 0 && len(body) > b.maxBytes {
		raisePlatform(L, errors.KindResourceLimit, "response body exceeds limit")
	}
	b.body = body
}

// resStatus sets the status code and returns res for chaining.
func resStatus(L *lua.LState) int {
	inv := checkRes(L)
	inv.res.status = L.CheckInt(2)
	L.Push(L.CheckUserData(1))
	return 1
}

func resSet(L *lua.LState) int {
	inv := checkRes(L)
	inv.res.headers.Set(L.CheckString(2), L.CheckString(3))
	L.Push(L.CheckUserData(1))
	return 1
}

func resGet(L *lua.LState) int {
	inv := checkRes(L)
	v := inv.res.headers.Get(L.CheckString(2))
	if v == "" {
		L.Push(lua.LNil)
		return 1
	}
	L.Push(lua.LString(v))
	return 1
}

func resType(L *lua.LState) int {
	inv := checkRes(L)
	inv.res.headers.Set("Content-Type", L.CheckString(2))
	L.Push(L.CheckUserData(1))
	return 1
}

// resSend sends a string, number or boolean body. Tables go through json().
func resSend(L *lua.LState) int {
	inv := checkRes(L)
	v := L.CheckAny(2)
	if v.Type() == lua.LTTable {
		return resJSON(L)
	}
	markSent(L, inv.res)
	if inv.res.headers.Get("Content-Type") == "" {
		inv.res.headers.Set("Content-Type", "text/plain; charset=utf-8")
	}
	inv.res.setBody(L, []byte(v.String()))
	return 0
}

func resJSON(L *lua.LState) int {
	inv := checkRes(L)
	v := L.CheckAny(2)
	data, err := marshalLuaValue(v)
	if err != nil {
		L.ArgError(2, "json encode: "+err.Error())
		return 0
	}
	markSent(L, inv.res)
	inv.res.headers.Set("Content-Type", "application/json")
	inv.res.setBody(L, data)
	return 0
}

// resRedirect accepts redirect(url) or redirect(code, url).
func resRedirect(L *lua.LState) int {
	inv := checkRes(L)
	code := 302
	var target string
	if L.GetTop() >= 3 {
		code = L.CheckInt(2)
		target = L.CheckString(3)
	} else {
		target = L.CheckString(2)
	}
	markSent(L, inv.res)
	inv.res.status = code
	inv.res.headers.Set("Location", target)
	return 0
}

func resSendStatus(L *lua.LState) int {
	inv := checkRes(L)
	code := L.CheckInt(2)
	markSent(L, inv.res)
	inv.res.status = code
	inv.res.headers.Set("Content-Type", "text/plain; charset=utf-8")
	inv.res.body = []byte(http.StatusText(code))
	return 0
}
