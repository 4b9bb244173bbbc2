package main

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/titoTito21/Titan-sub004/internal/ws"
)

var (
	errQuit = errors.New("quit")
	errHelp = errors.New("help")
)

const usage = `commands:
  register <user> <password> [full name]
  login <user> <password>
  logout
  pm <titan#> <message>        private message by Titan number
  history <user_id> [limit]    private conversation with a user
  create <room> [password]     create a text room, password makes it private
  join <room_id|room> [password]
  leave <room_id>
  delete <room_id>
  say <room_id> <message>
  backlog <room_id> [limit]    room history
  rooms
  online
  blog [url]                   empty url clears it
  ping
  quit`

// parseCommand 把一行输入转换为协议请求。空行返回 nil, nil。
func parseCommand(line string) (ws.M, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil, nil
	}
	cmd, args := strings.ToLower(fields[0]), fields[1:]
	// rest 保留第 n 个参数之后的原始文本，消息里的多个空格不被折叠。
	rest := func(n int) string {
		s := strings.TrimSpace(line)
		for i := 0; i <= n; i++ {
			s = strings.TrimLeft(s, " \t")
			if j := strings.IndexAny(s, " \t"); j >= 0 {
				s = s[j:]
			} else {
				return ""
			}
		}
		return strings.TrimSpace(s)
	}

	switch cmd {
	case "quit", "exit":
		return nil, errQuit
	case "help":
		return nil, errHelp
	case "register":
		if len(args) < 2 {
			return nil, errors.New("usage: register <user> <password> [full name]")
		}
		return ws.M{"type": "register", "username": args[0], "password": args[1], "full_name": rest(2)}, nil
	case "login":
		if len(args) != 2 {
			return nil, errors.New("usage: login <user> <password>")
		}
		return ws.M{"type": "login", "username": args[0], "password": args[1]}, nil
	case "logout":
		return ws.M{"type": "logout"}, nil
	case "pm":
		if len(args) < 2 {
			return nil, errors.New("usage: pm <titan#> <message>")
		}
		tn, err := strconv.Atoi(strings.TrimPrefix(args[0], "#"))
		if err != nil {
			return nil, fmt.Errorf("invalid titan number %q", args[0])
		}
		return ws.M{"type": "private_message", "recipient_titan_number": tn, "message": rest(1)}, nil
	case "history":
		if len(args) < 1 {
			return nil, errors.New("usage: history <user_id> [limit]")
		}
		id, err := parseID(args[0])
		if err != nil {
			return nil, err
		}
		req := ws.M{"type": "get_messages", "user_id": id}
		if err := optionalLimit(req, args[1:]); err != nil {
			return nil, err
		}
		return req, nil
	case "create":
		if len(args) < 1 || len(args) > 2 {
			return nil, errors.New("usage: create <room> [password]")
		}
		req := ws.M{"type": "create_room", "name": args[0], "room_type": "text"}
		if len(args) == 2 {
			req["password"] = args[1]
		}
		return req, nil
	case "join":
		if len(args) < 1 || len(args) > 2 {
			return nil, errors.New("usage: join <room_id|room> [password]")
		}
		req := ws.M{"type": "join_room"}
		if id, err := parseID(args[0]); err == nil {
			req["room_id"] = id
		} else {
			req["room_name"] = args[0]
		}
		if len(args) == 2 {
			req["password"] = args[1]
		}
		return req, nil
	case "leave", "delete":
		if len(args) != 1 {
			return nil, fmt.Errorf("usage: %s <room_id>", cmd)
		}
		id, err := parseID(args[0])
		if err != nil {
			return nil, err
		}
		kind := "leave_room"
		if cmd == "delete" {
			kind = "delete_room"
		}
		return ws.M{"type": kind, "room_id": id}, nil
	case "say":
		if len(args) < 2 {
			return nil, errors.New("usage: say <room_id> <message>")
		}
		id, err := parseID(args[0])
		if err != nil {
			return nil, err
		}
		return ws.M{"type": "room_message", "room_id": id, "message": rest(1)}, nil
	case "backlog":
		if len(args) < 1 {
			return nil, errors.New("usage: backlog <room_id> [limit]")
		}
		id, err := parseID(args[0])
		if err != nil {
			return nil, err
		}
		req := ws.M{"type": "get_room_messages", "room_id": id}
		if err := optionalLimit(req, args[1:]); err != nil {
			return nil, err
		}
		return req, nil
	case "rooms":
		return ws.M{"type": "get_rooms"}, nil
	case "online":
		return ws.M{"type": "get_online_users"}, nil
	case "blog":
		return ws.M{"type": "update_blog", "blog_url": rest(0)}, nil
	case "ping":
		return ws.M{"type": "ping"}, nil
	}
	return nil, fmt.Errorf("unknown command %q, type help", cmd)
}

func parseID(s string) (uint, error) {
	id, err := strconv.ParseUint(s, 10, 32)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("invalid id %q", s)
	}
	return uint(id), nil
}

func optionalLimit(req ws.M, args []string) error {
	if len(args) == 0 {
		return nil
	}
	n, err := strconv.Atoi(args[0])
	if err != nil || n <= 0 {
		return fmt.Errorf("invalid limit %q", args[0])
	}
	req["limit"] = n
	return nil
}
