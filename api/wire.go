package api

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// ErrMalformed is returned when a persisted record cannot be decoded.
var ErrMalformed = errors.New("malformed record")

// Field numbers of the on-disk records. They follow the schema
//
//	message LogEntry { uint64 index = 1; uint64 term = 2; int32 type = 3; bytes data = 4; int64 timestamp = 5; }
//	message ServerInfo { string id = 1; string address = 2; bool voter = 3; }
//	message ClusterConfiguration { repeated ServerInfo servers = 1; bytes context = 2; }
const (
	fieldEntryIndex     protowire.Number = 1
	fieldEntryTerm      protowire.Number = 2
	fieldEntryType      protowire.Number = 3
	fieldEntryData      protowire.Number = 4
	fieldEntryTimestamp protowire.Number = 5

	fieldServerID      protowire.Number = 1
	fieldServerAddress protowire.Number = 2
	fieldServerVoter   protowire.Number = 3

	fieldConfigServers protowire.Number = 1
	fieldConfigContext protowire.Number = 2
)

// ServerInfo is one member of a ClusterConfiguration.
type ServerInfo struct {
	ID      string
	Address string
	Voter   bool
}

// ClusterConfiguration is the payload of a LogConfiguration entry. Context
// carries an optional membership command committed together with the change.
type ClusterConfiguration struct {
	Servers []ServerInfo
	Context []byte
}

// EncodeLogEntry serializes e in protobuf wire format.
func EncodeLogEntry(e *LogEntry) []byte {
	b := make([]byte, 0, 32+len(e.Data))
	b = protowire.AppendTag(b, fieldEntryIndex, protowire.VarintType)
	b = protowire.AppendVarint(b, e.Index)
	b = protowire.AppendTag(b, fieldEntryTerm, protowire.VarintType)
	b = protowire.AppendVarint(b, e.Term)
	if e.Type != LogCommand {
		b = protowire.AppendTag(b, fieldEntryType, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(e.Type))
	}
	if len(e.Data) > 0 {
		b = protowire.AppendTag(b, fieldEntryData, protowire.BytesType)
		b = protowire.AppendBytes(b, e.Data)
	}
	if e.Timestamp != 0 {
		b = protowire.AppendTag(b, fieldEntryTimestamp, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(e.Timestamp))
	}
	return b
}

// DecodeLogEntry parses a record produced by EncodeLogEntry. Unknown fields
// are skipped.
func DecodeLogEntry(b []byte) (*LogEntry, error) {
	e := &LogEntry{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == fieldEntryData && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
			}
			e.Data = append([]byte(nil), v...)
			b = b[n:]
		case typ == protowire.VarintType && num >= fieldEntryIndex && num <= fieldEntryTimestamp:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
			}
			switch num {
			case fieldEntryIndex:
				e.Index = v
			case fieldEntryTerm:
				e.Term = v
			case fieldEntryType:
				e.Type = LogType(v)
			case fieldEntryTimestamp:
				e.Timestamp = int64(v)
			}
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return e, nil
}

// EncodeConfiguration serializes c in protobuf wire format.
func EncodeConfiguration(c *ClusterConfiguration) []byte {
	var b []byte
	for _, s := range c.Servers {
		var sb []byte
		sb = protowire.AppendTag(sb, fieldServerID, protowire.BytesType)
		sb = protowire.AppendString(sb, s.ID)
		if s.Address != "" {
			sb = protowire.AppendTag(sb, fieldServerAddress, protowire.BytesType)
			sb = protowire.AppendString(sb, s.Address)
		}
		if s.Voter {
			sb = protowire.AppendTag(sb, fieldServerVoter, protowire.VarintType)
			sb = protowire.AppendVarint(sb, protowire.EncodeBool(true))
		}
		b = protowire.AppendTag(b, fieldConfigServers, protowire.BytesType)
		b = protowire.AppendBytes(b, sb)
	}
	if len(c.Context) > 0 {
		b = protowire.AppendTag(b, fieldConfigContext, protowire.BytesType)
		b = protowire.AppendBytes(b, c.Context)
	}
	return b
}

// DecodeConfiguration parses a record produced by EncodeConfiguration.
func DecodeConfiguration(b []byte) (*ClusterConfiguration, error) {
	c := &ClusterConfiguration{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]

		if typ != protowire.BytesType || (num != fieldConfigServers && num != fieldConfigContext) {
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
			}
			b = b[n:]
			continue
		}

		v, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]

		if num == fieldConfigContext {
			c.Context = append([]byte(nil), v...)
			continue
		}
		s, err := decodeServer(v)
		if err != nil {
			return nil, err
		}
		c.Servers = append(c.Servers, s)
	}
	return c, nil
}

func decodeServer(b []byte) (ServerInfo, error) {
	var s ServerInfo
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return s, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case (num == fieldServerID || num == fieldServerAddress) && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return s, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
			}
			if num == fieldServerID {
				s.ID = v
			} else {
				s.Address = v
			}
			b = b[n:]
		case num == fieldServerVoter && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return s, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
			}
			s.Voter = protowire.DecodeBool(v)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return s, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return s, nil
}
