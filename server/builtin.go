package server

import (
	"sort"

	"github.com/legamerdc/tickrpc/service"
)

// 内置过程名
const (
	ProcAddStream     = "add_stream"
	ProcRemoveStream  = "remove_stream"
	ProcGetClientID   = "get_client_id"
	ProcGetClientName = "get_client_name"
	ProcGetStatus     = "get_status"
	ProcGetClients    = "get_clients"
	ProcGetProcedures = "get_procedures"
)

// builtin 在调用方客户端上下文中执行的内置过程
type builtin func(s *Server, c *Client, args service.Args) (any, error)

func builtins() map[string]builtin {
	return map[string]builtin{
		ProcAddStream:     builtinAddStream,
		ProcRemoveStream:  builtinRemoveStream,
		ProcGetClientID:   func(_ *Server, c *Client, _ service.Args) (any, error) { return c.id.String(), nil },
		ProcGetClientName: func(_ *Server, c *Client, _ service.Args) (any, error) { return c.name, nil },
		ProcGetStatus:     builtinGetStatus,
		ProcGetClients:    builtinGetClients,
		ProcGetProcedures: builtinGetProcedures,
	}
}

// add_stream(procedure, [args], [rate]) -> stream id
func builtinAddStream(s *Server, c *Client, args service.Args) (any, error) {
	if args.Len() < 1 || args.Len() > 3 {
		return nil, service.BadArguments("add_stream expects 1 to 3 arguments, got %d", args.Len())
	}
	proc, err := args.String(0)
	if err != nil {
		return nil, err
	}
	var procArgs service.Args
	if args.Len() >= 2 {
		if procArgs, err = args.List(1); err != nil {
			return nil, err
		}
	}
	rate := uint64(1)
	if args.Len() == 3 {
		if rate, err = args.Uint(2); err != nil {
			return nil, err
		}
		if rate == 0 {
			return nil, service.BadArguments("add_stream rate must be at least 1 tick")
		}
	}
	id, err := s.addStream(c, proc, procArgs, rate)
	if err != nil {
		return nil, err
	}
	return float64(id), nil
}

// remove_stream(id) -> bool
func builtinRemoveStream(s *Server, c *Client, args service.Args) (any, error) {
	if args.Len() != 1 {
		return nil, service.BadArguments("remove_stream expects 1 argument, got %d", args.Len())
	}
	id, err := args.Uint(0)
	if err != nil {
		return nil, err
	}
	return s.removeStream(c, id), nil
}

func builtinGetStatus(s *Server, _ *Client, args service.Args) (any, error) {
	if args.Len() != 0 {
		return nil, service.BadArguments("get_status expects no arguments")
	}
	return s.currentStats().Map(), nil
}

func builtinGetClients(s *Server, _ *Client, args service.Args) (any, error) {
	if args.Len() != 0 {
		return nil, service.BadArguments("get_clients expects no arguments")
	}
	out := make([]any, 0, s.reg.len())
	for _, c := range s.reg.order {
		out = append(out, c.info().Map())
	}
	return out, nil
}

func builtinGetProcedures(s *Server, _ *Client, args service.Args) (any, error) {
	if args.Len() != 0 {
		return nil, service.BadArguments("get_procedures expects no arguments")
	}
	var names []string
	for name := range s.builtins {
		names = append(names, name)
	}
	if l, ok := s.resolver.(service.Lister); ok {
		names = append(names, l.Names()...)
	}
	sort.Strings(names)
	out := make([]any, len(names))
	for i, name := range names {
		out[i] = name
	}
	return out, nil
}
