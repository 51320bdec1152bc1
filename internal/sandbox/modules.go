package sandbox

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/rand"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"hash"
	"net/url"
	"regexp"
	"time"

	lua "github.com/yuin/gopher-lua"

	"github.com/wudi/funcrun/internal/errors"
)

// registerPure installs the stateless modules. Done once per VM.
func registerPure(L *lua.LState) {
	registerJSON(L)
	registerBase64(L)
	registerURL(L)
	registerRe(L)
	registerCrypto(L)
}

// registerInvocation installs the modules bound to one invocation's state.
func registerInvocation(L *lua.LState, inv *invocation) {
	registerLog(L, inv)
	registerEnv(L, inv)
	registerKV(L, inv)
	registerHTTP(L, inv)
	registerSleep(L, inv)
}

// --- json ---

func registerJSON(L *lua.LState) {
	mod := L.NewTable()
	L.SetField(mod, "encode", L.NewFunction(jsonEncode))
	L.SetField(mod, "decode", L.NewFunction(jsonDecode))
	L.SetGlobal("json", mod)
}

func jsonEncode(L *lua.LState) int {
	v := L.CheckAny(1)
	data, err := marshalLuaValue(v)
	if err != nil {
		L.ArgError(1, "json encode: "+err.Error())
		return 0
	}
	L.Push(lua.LString(string(data)))
	return 1
}

func jsonDecode(L *lua.LState) int {
	s := L.CheckString(1)
	var v interface{}
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		L.ArgError(1, "json decode: "+err.Error())
		return 0
	}
	L.Push(interfaceToLuaValue(L, v))
	return 1
}

func marshalLuaValue(v lua.LValue) ([]byte, error) {
	return json.Marshal(luaValueToInterface(v))
}

func luaValueToInterface(v lua.LValue) interface{} {
	switch t := v.(type) {
	case *lua.LNilType:
		return nil
	case lua.LBool:
		return bool(t)
	case lua.LNumber:
		return float64(t)
	case lua.LString:
		return string(t)
	case *lua.LTable:
		maxn := t.MaxN()
		if maxn > 0 {
			arr := make([]interface{}, 0, maxn)
			for i := 1; i <= maxn; i++ {
				arr = append(arr, luaValueToInterface(t.RawGetInt(i)))
			}
			return arr
		}
		m := make(map[string]interface{})
		t.ForEach(func(k, val lua.LValue) {
			if ks, ok := k.(lua.LString); ok {
				m[string(ks)] = luaValueToInterface(val)
			}
		})
		return m
	default:
		return v.String()
	}
}

func interfaceToLuaValue(L *lua.LState, v interface{}) lua.LValue {
	switch t := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(t)
	case float64:
		return lua.LNumber(t)
	case string:
		return lua.LString(t)
	case []interface{}:
		tbl := L.NewTable()
		for _, item := range t {
			tbl.Append(interfaceToLuaValue(L, item))
		}
		return tbl
	case map[string]interface{}:
		tbl := L.NewTable()
		for k, val := range t {
			L.SetField(tbl, k, interfaceToLuaValue(L, val))
		}
		return tbl
	default:
		return lua.LString("")
	}
}

// --- base64 ---

func registerBase64(L *lua.LState) {
	mod := L.NewTable()
	L.SetField(mod, "encode", L.NewFunction(base64Encode))
	L.SetField(mod, "decode", L.NewFunction(base64Decode))
	L.SetGlobal("base64", mod)
}

func base64Encode(L *lua.LState) int {
	s := L.CheckString(1)
	L.Push(lua.LString(base64.StdEncoding.EncodeToString([]byte(s))))
	return 1
}

func base64Decode(L *lua.LState) int {
	s := L.CheckString(1)
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		L.ArgError(1, "base64 decode: "+err.Error())
		return 0
	}
	L.Push(lua.LString(string(data)))
	return 1
}

// --- url ---

func registerURL(L *lua.LState) {
	mod := L.NewTable()
	L.SetField(mod, "encode", L.NewFunction(urlEncode))
	L.SetField(mod, "decode", L.NewFunction(urlDecode))
	L.SetGlobal("url", mod)
}

func urlEncode(L *lua.LState) int {
	L.Push(lua.LString(url.QueryEscape(L.CheckString(1))))
	return 1
}

func urlDecode(L *lua.LState) int {
	decoded, err := url.QueryUnescape(L.CheckString(1))
	if err != nil {
		L.ArgError(1, "url decode: "+err.Error())
		return 0
	}
	L.Push(lua.LString(decoded))
	return 1
}

// --- re ---

func registerRe(L *lua.LState) {
	mod := L.NewTable()
	L.SetField(mod, "match", L.NewFunction(reMatch))
	L.SetField(mod, "find", L.NewFunction(reFind))
	L.SetGlobal("re", mod)
}

func reMatch(L *lua.LState) int {
	pattern := L.CheckString(1)
	s := L.CheckString(2)
	matched, err := regexp.MatchString(pattern, s)
	if err != nil {
		L.ArgError(1, "re match: "+err.Error())
		return 0
	}
	L.Push(lua.LBool(matched))
	return 1
}

func reFind(L *lua.LState) int {
	pattern := L.CheckString(1)
	s := L.CheckString(2)
	re, err := regexp.Compile(pattern)
	if err != nil {
		L.ArgError(1, "re find: "+err.Error())
		return 0
	}
	L.Push(lua.LString(re.FindString(s)))
	return 1
}

// --- crypto ---

func registerCrypto(L *lua.LState) {
	mod := L.NewTable()
	L.SetField(mod, "sha256", L.NewFunction(cryptoHash(sha256.New)))
	L.SetField(mod, "sha1", L.NewFunction(cryptoHash(sha1.New)))
	L.SetField(mod, "md5", L.NewFunction(cryptoHash(md5.New)))
	L.SetField(mod, "hmac", L.NewFunction(cryptoHMAC))
	L.SetField(mod, "random_hex", L.NewFunction(cryptoRandomHex))
	L.SetGlobal("crypto", mod)
}

func cryptoHash(newHash func() hash.Hash) lua.LGFunction {
	return func(L *lua.LState) int {
		h := newHash()
		h.Write([]byte(L.CheckString(1)))
		L.Push(lua.LString(hex.EncodeToString(h.Sum(nil))))
		return 1
	}
}

func cryptoHMAC(L *lua.LState) int {
	algo := L.CheckString(1)
	key := L.CheckString(2)
	msg := L.CheckString(3)
	var newHash func() hash.Hash
	switch algo {
	case "sha256":
		newHash = sha256.New
	case "sha1":
		newHash = sha1.New
	case "md5":
		newHash = md5.New
	default:
		L.ArgError(1, "unknown hmac algorithm "+algo)
		return 0
	}
	mac := hmac.New(newHash, []byte(key))
	mac.Write([]byte(msg))
	L.Push(lua.LString(hex.EncodeToString(mac.Sum(nil))))
	return 1
}

func cryptoRandomHex(L *lua.LState) int {
	n := L.CheckInt(1)
	if n <= 0 || n > 1024 {
		L.ArgError(1, "size out of range")
		return 0
	}
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		raisePlatform(L, errors.KindInfrastructure, "random source failed")
		return 0
	}
	L.Push(lua.LString(hex.EncodeToString(buf)))
	return 1
}

// --- log ---

func registerLog(L *lua.LState, inv *invocation) {
	mod := L.NewTable()
	for _, level := range []string{"info", "warn", "error", "debug"} {
		level := level
		L.SetField(mod, level, L.NewFunction(func(L *lua.LState) int {
			inv.console.add(level, L.CheckString(1))
			return 0
		}))
	}
	L.SetGlobal("log", mod)
}

// --- env ---

// registerEnv installs the frozen env snapshot as a plain table.
func registerEnv(L *lua.LState, inv *invocation) {
	tbl := L.NewTable()
	for k, v := range inv.env {
		L.SetField(tbl, k, lua.LString(v))
	}
	L.SetGlobal("env", tbl)
}

// --- kv ---

func registerKV(L *lua.LState, inv *invocation) {
	mod := L.NewTable()
	L.SetField(mod, "get", L.NewFunction(func(L *lua.LState) int { return kvGet(L, inv) }))
	L.SetField(mod, "set", L.NewFunction(func(L *lua.LState) int { return kvSet(L, inv) }))
	L.SetField(mod, "has", L.NewFunction(func(L *lua.LState) int { return kvHas(L, inv) }))
	L.SetField(mod, "delete", L.NewFunction(func(L *lua.LState) int { return kvDelete(L, inv) }))
	L.SetField(mod, "clear", L.NewFunction(func(L *lua.LState) int { return kvClear(L, inv) }))
	L.SetGlobal("kv", mod)
}

func kvGet(L *lua.LState, inv *invocation) int {
	key := L.CheckString(1)
	val, ok, err := inv.kv.Store.Get(inv.ctx, inv.kv.ProjectID, key)
	if err != nil {
		raisePlatform(L, errors.KindInfrastructure, "kv get failed")
		return 0
	}
	if !ok {
		L.Push(lua.LNil)
		return 1
	}
	var decoded interface{}
	if err := json.Unmarshal([]byte(val), &decoded); err != nil {
		L.Push(lua.LString(val))
		return 1
	}
	L.Push(interfaceToLuaValue(L, decoded))
	return 1
}

func kvSet(L *lua.LState, inv *invocation) int {
	key := L.CheckString(1)
	value := L.CheckAny(2)
	var ttlMS int64
	if L.GetTop() >= 3 {
		ttlMS = int64(L.CheckNumber(3))
	}
	data, err := marshalLuaValue(value)
	if err != nil {
		L.ArgError(2, "kv set: "+err.Error())
		return 0
	}
	err = inv.kv.Store.Set(inv.ctx, inv.kv.ProjectID, key, string(data), ttlMS, inv.kv.LimitBytes)
	if err != nil {
		if errors.KindOf(err) == errors.KindQuotaExceeded {
			raisePlatform(L, errors.KindQuotaExceeded, "kv storage limit reached")
			return 0
		}
		raisePlatform(L, errors.KindInfrastructure, "kv set failed")
		return 0
	}
	return 0
}

func kvHas(L *lua.LState, inv *invocation) int {
	ok, err := inv.kv.Store.Has(inv.ctx, inv.kv.ProjectID, L.CheckString(1))
	if err != nil {
		raisePlatform(L, errors.KindInfrastructure, "kv has failed")
		return 0
	}
	L.Push(lua.LBool(ok))
	return 1
}

func kvDelete(L *lua.LState, inv *invocation) int {
	existed, err := inv.kv.Store.Delete(inv.ctx, inv.kv.ProjectID, L.CheckString(1))
	if err != nil {
		raisePlatform(L, errors.KindInfrastructure, "kv delete failed")
		return 0
	}
	L.Push(lua.LBool(existed))
	return 1
}

func kvClear(L *lua.LState, inv *invocation) int {
	if err := inv.kv.Store.Clear(inv.ctx, inv.kv.ProjectID); err != nil {
		raisePlatform(L, errors.KindInfrastructure, "kv clear failed")
		return 0
	}
	return 0
}

// --- sleep ---

func registerSleep(L *lua.LState, inv *invocation) {
	L.SetGlobal("sleep", L.NewFunction(func(L *lua.LState) int {
		ms := L.CheckInt(1)
		if ms < 0 {
			ms = 0
		}
		select {
		case <-time.After(time.Duration(ms) * time.Millisecond):
		case <-inv.ctx.Done():
			raisePlatform(L, errors.KindTimeout, "invocation deadline exceeded")
		}
		return 0
	}))
}
