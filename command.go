package mongowire

import "go.mongodb.org/mongo-driver/bson"

// commandOK reports whether reply's "ok" field is 1, accepting the
// float64/int32/int64/bool encodings servers use interchangeably.
func commandOK(reply bson.Raw) bool {
	v, err := reply.LookupErr("ok")
	if err != nil {
		return false
	}
	switch v.Type {
	case bson.TypeDouble:
		return v.Double() == 1
	case bson.TypeInt32:
		return v.Int32() == 1
	case bson.TypeInt64:
		return v.Int64() == 1
	case bson.TypeBoolean:
		return v.Boolean()
	default:
		return false
	}
}

// newCommandError builds a CommandError from a non-ok command reply.
func newCommandError(command string, reply bson.Raw) CommandError {
	ce := CommandError{Command: command, Raw: reply}
	if v, err := reply.LookupErr("code"); err == nil {
		if c, ok := v.Int32OK(); ok {
			ce.Code = c
		}
	}
	if v, err := reply.LookupErr("codeName"); err == nil {
		if s, ok := v.StringValueOK(); ok {
			ce.CodeName = s
		}
	}
	if v, err := reply.LookupErr("errmsg"); err == nil {
		if s, ok := v.StringValueOK(); ok {
			ce.Message = s
		}
	}
	return ce
}

// checkOK returns newCommandError(command, reply) if reply is not ok,
// else nil.
func checkOK(command string, reply bson.Raw) error {
	if commandOK(reply) {
		return nil
	}
	return newCommandError(command, reply)
}
