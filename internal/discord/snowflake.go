package discord

import (
	"bytes"
	"fmt"
	"strconv"
)

// Snowflake is a Discord id. The API sends ids as JSON strings.
type Snowflake uint64

func (s *Snowflake) UnmarshalJSON(b []byte) error {
	if bytes.Equal(b, []byte("null")) {
		*s = 0
		return nil
	}
	str := string(bytes.Trim(b, `"`))
	if str == "" {
		*s = 0
		return nil
	}
	n, err := strconv.ParseUint(str, 10, 64)
	if err != nil {
		return fmt.Errorf("parse snowflake %s: %w", b, err)
	}
	*s = Snowflake(n)
	return nil
}

func (s Snowflake) MarshalJSON() ([]byte, error) {
	return []byte(`"` + strconv.FormatUint(uint64(s), 10) + `"`), nil
}

func (s Snowflake) String() string {
	return strconv.FormatUint(uint64(s), 10)
}
