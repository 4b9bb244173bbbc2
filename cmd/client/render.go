package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/fatih/color"
)

var (
	dim     = color.New(color.FgHiBlack)
	errText = color.New(color.FgRed, color.Bold)
	okText  = color.New(color.FgGreen)
	pmText  = color.New(color.FgMagenta, color.Bold)
	roomTxt = color.New(color.FgCyan, color.Bold)
	sysText = color.New(color.FgYellow)
)

// render 把服务端推送的一帧格式化输出，无法识别的帧按字段原样列出。
func render(w io.Writer, raw []byte) {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		errText.Fprintf(w, "! malformed frame: %s\n", raw)
		return
	}
	typ, _ := m["type"].(string)

	switch typ {
	case "error":
		errText.Fprintf(w, "! %v\n", m["error"])
		return
	case "private_message":
		pmText.Fprintf(w, "[pm] %v", m["sender_username"])
		fmt.Fprintf(w, " (#%v): %v\n", num(m["sender_titan_number"]), m["message"])
		return
	case "room_message":
		roomTxt.Fprintf(w, "[room %v] %v", num(m["room_id"]), m["username"])
		fmt.Fprintf(w, ": %v\n", m["message"])
		return
	case "user_status":
		sysText.Fprintf(w, "* %v (#%v) is %v\n", m["username"], num(m["titan_number"]), m["status"])
		return
	case "pong":
		dim.Fprintln(w, "pong")
		return
	}

	if ok, present := m["success"].(bool); present {
		c := okText
		if !ok {
			c = errText
		}
		c.Fprintf(w, "%s", typ)
		if e, has := m["error"]; has && e != nil {
			fmt.Fprintf(w, ": %v", e)
		}
		fmt.Fprintln(w)
	} else {
		sysText.Fprintln(w, typ)
	}
	for _, line := range details(m) {
		dim.Fprintf(w, "  %s\n", line)
	}
}

// details 按键名排序列出除 type/success/error 以外的字段。
func details(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		switch k {
		case "type", "success", "error":
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		v := m[k]
		if list, ok := v.([]any); ok {
			out = append(out, fmt.Sprintf("%s: %d item(s)", k, len(list)))
			for _, item := range list {
				out = append(out, "  - "+compact(item))
			}
			continue
		}
		out = append(out, fmt.Sprintf("%s: %s", k, compact(v)))
	}
	return out
}

func compact(v any) string {
	switch t := v.(type) {
	case float64:
		return num(t)
	case map[string]any:
		b, _ := json.Marshal(t)
		return string(b)
	default:
		return strings.TrimSpace(fmt.Sprint(t))
	}
}

// num 去掉 JSON 数字解码后多余的小数部分。
func num(v any) string {
	if f, ok := v.(float64); ok && f == float64(int64(f)) {
		return fmt.Sprintf("%d", int64(f))
	}
	return fmt.Sprint(v)
}
