package sandbox

import (
	lua "github.com/yuin/gopher-lua"
)

// newRequestUserData exposes the invocation request as a read-only userdata.
func newRequestUserData(L *lua.LState, inv *invocation) *lua.LUserData {
	ud := L.NewUserData()
	ud.Value = inv

	mt := L.NewTable()
	index := L.NewTable()

	L.SetField(index, "method", L.NewFunction(reqMethod))
	L.SetField(index, "url", L.NewFunction(reqURL))
	L.SetField(index, "path", L.NewFunction(reqPath))
	L.SetField(index, "query", L.NewFunction(reqQuery))
	L.SetField(index, "header", L.NewFunction(reqHeader))
	L.SetField(index, "headers", L.NewFunction(reqHeaders))
	L.SetField(index, "body", L.NewFunction(reqBody))
	L.SetField(index, "ip", L.NewFunction(reqIP))

	L.SetField(mt, "__index", index)
	L.SetMetatable(ud, mt)
	return ud
}

func checkInvocation(L *lua.LState) *invocation {
	ud := L.CheckUserData(1)
	if inv, ok := ud.Value.(*invocation); ok {
		return inv
	}
	L.ArgError(1, "request expected")
	return nil
}

func reqMethod(L *lua.LState) int {
	L.Push(lua.LString(checkInvocation(L).req.Method))
	return 1
}

func reqURL(L *lua.LState) int {
	L.Push(lua.LString(checkInvocation(L).req.URL))
	return 1
}

func reqPath(L *lua.LState) int {
	L.Push(lua.LString(checkInvocation(L).req.Path))
	return 1
}

// reqQuery returns the query as a table; repeated parameters keep their
// first value.
func reqQuery(L *lua.LState) int {
	inv := checkInvocation(L)
	tbl := L.NewTable()
	for k, vs := range inv.req.Query {
		if len(vs) > 0 {
			L.SetField(tbl, k, lua.LString(vs[0]))
		}
	}
	L.Push(tbl)
	return 1
}

// reqHeader returns one header, case-insensitive, or nil.
func reqHeader(L *lua.LState) int {
	inv := checkInvocation(L)
	name := L.CheckString(2)
	v := inv.req.Headers.Get(name)
	if v == "" {
		L.Push(lua.LNil)
		return 1
	}
	L.Push(lua.LString(v))
	return 1
}

func reqHeaders(L *lua.LState) int {
	inv := checkInvocation(L)
	tbl := L.NewTable()
	for k, vs := range inv.req.Headers {
		if len(vs) > 0 {
			L.SetField(tbl, k, lua.LString(vs[0]))
		}
	}
	L.Push(tbl)
	return 1
}

func reqBody(L *lua.LState) int {
	L.Push(lua.LString(string(checkInvocation(L).req.Body)))
	return 1
}

func reqIP(L *lua.LState) int {
	L.Push(lua.LString(checkInvocation(L).req.IP))
	return 1
}
