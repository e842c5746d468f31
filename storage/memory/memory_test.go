package memory

import (
	"testing"

	"github.com/jmcleod/ironsession/storage/storetest"
)

func TestMemoryStore(t *testing.T) {
	storetest.Run(t, NewStore())
}
