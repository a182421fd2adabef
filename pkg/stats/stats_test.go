package stats

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPutGet(t *testing.T) {
	Init()
	Put(Resolve, 5*time.Millisecond)
	assert.Equal(t, 5*time.Millisecond, Get(Resolve))
	assert.Equal(t, time.Duration(0), Get(Schedule))
}

func TestUpdate(t *testing.T) {
	Init()
	Put(CloudPut, 2*time.Millisecond)
	Update(CloudPut, 3*time.Millisecond)
	assert.Equal(t, 5*time.Millisecond, Get(CloudPut))
}

func TestUpdateWithoutInit(t *testing.T) {
	globalStatsMutex.Lock()
	globalStats = nil
	globalStatsMutex.Unlock()
	// must not panic
	Update(Total, time.Millisecond)
	assert.Equal(t, time.Duration(0), Get(Total))
}
