package registry

import "strings"

// DefaultPrefix namespaces every key the registry owns.
const DefaultPrefix = "pandapi"

// keyspace builds the storage layout:
//
//	<prefix>_stream_<id>      one StreamRecord
//	<prefix>_global_streams   []StreamRecord index
//	<prefix>_chat_<id>        []ChatMessage transcript
type keyspace struct {
	prefix string
}

func (k keyspace) streamPrefix() string {
	return k.prefix + "_stream_"
}

func (k keyspace) stream(id string) string {
	return k.streamPrefix() + id
}

func (k keyspace) index() string {
	return k.prefix + "_global_streams"
}

func (k keyspace) chat(id string) string {
	return k.prefix + "_chat_" + id
}

func (k keyspace) owns(key string) bool {
	return strings.HasPrefix(key, k.prefix+"_")
}

func (k keyspace) streamID(key string) string {
	return strings.TrimPrefix(key, k.streamPrefix())
}
