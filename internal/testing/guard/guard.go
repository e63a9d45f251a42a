package guard

import (
	"os"
	"sync"
)

var once sync.Once

func init() {
	once.Do(func() {
		if os.Getenv("MOEMAIL_TEST_MODE") == "" {
			_ = os.Setenv("MOEMAIL_TEST_MODE", "1")
		}
	})
}
