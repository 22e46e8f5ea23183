package log

// KV is a map of key/value pairs to pass to a Logger context or to a log function for
// structured logging.
type KV map[string]interface{}

const errorKey = "LOG_ERROR"

// Take a vararg list of arguments and make it an even key/value slice.
func normalize(ctx []interface{}) []interface{} {
	if ctx == nil {
		return nil
	}

	if len(ctx) == 1 {
		if ctxMap, ok := ctx[0].(KV); ok {
			ctx = ctxMap.toArray()
		}
	}

	// Nobody checks errors from log calls, so fix up rather than fail.
	if len(ctx)%2 != 0 {
		ctx = append(ctx, nil, errorKey, "Normalized odd number of arguments by adding nil")
	}

	return ctx
}

func (c KV) toArray() []interface{} {
	arr := make([]interface{}, 0, len(c)*2)
	for k, v := range c {
		arr = append(arr, k, v)
	}
	return arr
}
