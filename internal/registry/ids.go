package registry

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const suffixLen = 9

// newStreamID returns "stream_<epochMillis>_<9 random chars>".
func newStreamID(now time.Time) string {
	return fmt.Sprintf("stream_%d_%s", now.UnixMilli(), randomSuffix())
}

func newMessageID(now time.Time) string {
	return fmt.Sprintf("msg_%d_%s", now.UnixMilli(), randomSuffix())
}

func randomSuffix() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:suffixLen]
}
