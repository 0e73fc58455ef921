// Package grpcpeer carries federation traffic between bridge nodes over
// gRPC. Messages are google.protobuf.Struct values so the default proto
// codec serves the service without generated stubs.
package grpcpeer

import (
	"fmt"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/sebas/connbridge/internal/bridge/connection"
	"github.com/sebas/connbridge/internal/bridge/federation"
)

const (
	serviceName = "connbridge.federation.v1.Peer"

	methodListAccounts     = "ListAccounts"
	methodCreateConnection = "CreateConnection"
)

func fullMethod(m string) string {
	return "/" + serviceName + "/" + m
}

// Outcome values carried in a CreateConnection reply.
const (
	resultSuccess = "success"
	resultFailure = "failure"
	resultCancel  = "cancel"
)

func encodeRequest(req connection.Request) (*structpb.Struct, error) {
	extras := make(map[string]any, len(req.Extras))
	for k, v := range req.Extras {
		extras[k] = v
	}
	return structpb.NewStruct(map[string]any{
		"call_id": req.CallID,
		"address": req.Address,
		"extras":  extras,
	})
}

func decodeRequest(s *structpb.Struct) connection.Request {
	fields := s.GetFields()
	var extras map[string]string
	if ev := fields["extras"].GetStructValue(); ev != nil {
		extras = make(map[string]string, len(ev.GetFields()))
		for k, v := range ev.GetFields() {
			extras[k] = v.GetStringValue()
		}
	}
	return connection.Request{
		CallID:  fields["call_id"].GetStringValue(),
		Address: fields["address"].GetStringValue(),
		Extras:  extras,
	}
}

func encodeAccounts(accts []federation.Account) (*structpb.Struct, error) {
	list := make([]any, 0, len(accts))
	for _, a := range accts {
		schemes := make([]any, len(a.Schemes))
		for i, sc := range a.Schemes {
			schemes[i] = sc
		}
		list = append(list, map[string]any{
			"id":      a.ID,
			"label":   a.Label,
			"schemes": schemes,
		})
	}
	return structpb.NewStruct(map[string]any{"accounts": list})
}

func decodeAccounts(provider string, s *structpb.Struct) ([]federation.Account, error) {
	lv := s.GetFields()["accounts"].GetListValue()
	if lv == nil {
		return nil, nil
	}
	out := make([]federation.Account, 0, len(lv.GetValues()))
	for i, v := range lv.GetValues() {
		fields := v.GetStructValue().GetFields()
		if fields == nil {
			return nil, fmt.Errorf("account %d: not an object", i)
		}
		a := federation.Account{
			Provider: provider,
			ID:       fields["id"].GetStringValue(),
			Label:    fields["label"].GetStringValue(),
		}
		for _, sc := range fields["schemes"].GetListValue().GetValues() {
			a.Schemes = append(a.Schemes, sc.GetStringValue())
		}
		out = append(out, a)
	}
	return out, nil
}

func encodeOutcome(result string, rc *federation.RemoteConnection, cause connection.DisconnectCause, msg string) (*structpb.Struct, error) {
	m := map[string]any{
		"result":  result,
		"cause":   float64(cause),
		"message": msg,
	}
	if rc != nil {
		m["call_id"] = rc.CallID
		m["state"] = string(rc.State)
		m["address"] = rc.Address
	}
	return structpb.NewStruct(m)
}
