package session

import (
	"fmt"

	"resourceisland/internal/protocol"
)

// handleAdmin applies an already authenticated verb on the loop goroutine.
func (s *Session) handleAdmin(cmd protocol.CommandReq) protocol.Notification {
	reply, err := s.applyAdmin(cmd)
	if err != nil {
		s.logger.Printf("admin: %s rejected: %v", cmd.Verb, err)
		return protocol.Error(protocol.ErrorCmdSyntax, protocol.Target{
			"verb":   cmd.Verb,
			"reason": err.Error(),
			"code":   protocol.ErrBadRequest,
		})
	}
	detail := cmd.Reason
	if cmd.Verb == protocol.VerbGrant {
		detail = fmt.Sprintf("%s %+d", cmd.Resource, cmd.Amount)
	} else if cmd.Verb == protocol.VerbForceBuild {
		detail = cmd.Building
	}
	s.audit("admin", cmd.Verb, cmd.Player, detail)
	s.logger.Printf("admin: %s player=%s ok", cmd.Verb, cmd.Player)

	if reply == nil {
		reply = protocol.Target{}
	}
	reply["verb"] = cmd.Verb
	return protocol.Notify(protocol.NotifyCommandOK, reply)
}

func (s *Session) applyAdmin(cmd protocol.CommandReq) (protocol.Target, error) {
	switch cmd.Verb {
	case protocol.VerbEvict:
		if _, ok := s.st.active(cmd.Player); !ok {
			return nil, fmt.Errorf("unknown player %q", cmd.Player)
		}
		reason := cmd.Reason
		if reason == "" {
			reason = "evicted"
		}
		s.direct(cmd.Player, "", protocol.Notify(protocol.NotifyKicked, protocol.Target{
			"player": cmd.Player,
			"reason": reason,
		}))
		s.eliminate(cmd.Player, "evict:"+reason)
		s.broadcast(protocol.Notify(protocol.NotifyPlayerLeft, protocol.Target{
			"player":  cmd.Player,
			"reason":  reason,
			"players": append([]string{}, s.st.Order...),
		}))
		return protocol.Target{"player": cmd.Player}, nil

	case protocol.VerbGrant:
		p, ok := s.st.active(cmd.Player)
		if !ok {
			return nil, fmt.Errorf("unknown player %q", cmd.Player)
		}
		if cmd.Resource == "action_points" {
			if p.ActionPoints+cmd.Amount < 0 {
				return nil, fmt.Errorf("action points would go negative")
			}
			p.ActionPoints += cmd.Amount
			return protocol.Target{"player": p.ID, "resource": cmd.Resource, "balance": p.ActionPoints}, nil
		}
		if !s.cfg.Catalogs.IsResource(cmd.Resource) {
			return nil, fmt.Errorf("unknown resource %q", cmd.Resource)
		}
		if p.Resources[cmd.Resource]+cmd.Amount < 0 {
			return nil, fmt.Errorf("%s would go negative", cmd.Resource)
		}
		p.Resources[cmd.Resource] += cmd.Amount
		return protocol.Target{"player": p.ID, "resource": cmd.Resource, "balance": p.Resources[cmd.Resource]}, nil

	case protocol.VerbRelay:
		n := protocol.Notify(protocol.NotifyRelay, protocol.Target{"data": cmd.Data})
		if cmd.Player == "" {
			s.broadcast(n)
			return nil, nil
		}
		if _, ok := s.st.active(cmd.Player); !ok {
			return nil, fmt.Errorf("unknown player %q", cmd.Player)
		}
		s.direct(cmd.Player, "", n)
		return protocol.Target{"player": cmd.Player}, nil

	case protocol.VerbForceBuild:
		p, ok := s.st.active(cmd.Player)
		if !ok {
			return nil, fmt.Errorf("unknown player %q", cmd.Player)
		}
		if !s.cfg.Catalogs.IsBuilding(cmd.Building) {
			return nil, fmt.Errorf("unknown building %q", cmd.Building)
		}
		p.Buildings = append(p.Buildings, cmd.Building)
		return protocol.Target{"player": p.ID, "building": cmd.Building}, nil

	case protocol.VerbHalt:
		s.broadcast(protocol.Notify(protocol.NotifyServerStop, protocol.Target{"reason": cmd.Reason}))
		s.gw.DetachAll()
		s.end(EndHalted)
		return nil, nil
	}
	return nil, fmt.Errorf("unknown verb %q", cmd.Verb)
}
