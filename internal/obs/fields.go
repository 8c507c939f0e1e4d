package obs

import "go.uber.org/zap"

// Standard log fields shared by the loops.

func Component(v string) zap.Field  { return zap.String("component", v) }
func Tick(v string) zap.Field       { return zap.String("tick", v) }
func MemberID(v string) zap.Field   { return zap.String("member_id", v) }
func MemberName(v string) zap.Field { return zap.String("member", v) }
func Group(v string) zap.Field      { return zap.String("group", v) }
func Channel(v string) zap.Field    { return zap.String("channel", v) }
func Cursor(v int64) zap.Field      { return zap.Int64("cursor", v) }
func Count(v int) zap.Field         { return zap.Int("count", v) }
func Roles(v []string) zap.Field    { return zap.Strings("roles", v) }
func Err(err error) zap.Field       { return zap.Error(err) }
