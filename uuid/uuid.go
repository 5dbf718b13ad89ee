package uuid

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

const (
	//序列号范围
	SeqNumBits uint8 = 12
	SeqNumMax  int64 = -1 ^ (-1 << SeqNumBits)
	//机器范围
	NodeBits uint8 = 10
	NodeMax  int64 = -1 ^ (-1 << NodeBits)
	Epoch    int64 = 1288834974657
	//时间偏移量
	timeBits = SeqNumBits + NodeBits

	// maxBackwards is how far the clock may step back before GenerateID gives up.
	maxBackwards = 5 * time.Millisecond
)

var ErrClockBackwards = errors.New("uuid: clock moved backwards")

type SnowFlakeUUID struct {
	mu        sync.Mutex
	machineID int64
	now       func() time.Time
	lastTime  int64
	sequence  int64
}

func NewSnowFlakeUUID(machineID int64) (*SnowFlakeUUID, error) {
	if machineID > NodeMax || machineID <= 0 {
		return nil, fmt.Errorf("uuid: machineID %d out of range [1, %d]", machineID, NodeMax)
	}
	return &SnowFlakeUUID{machineID: machineID, now: time.Now}, nil
}

func (sf *SnowFlakeUUID) millis() int64 {
	return sf.now().UnixMilli() - Epoch
}

// GenerateID returns a positive id unique for this machine. It waits out
// small clock regressions and fails on larger ones.
func (sf *SnowFlakeUUID) GenerateID() (int64, error) {
	sf.mu.Lock()
	defer sf.mu.Unlock()

	now := sf.millis()
	if now < sf.lastTime {
		if time.Duration(sf.lastTime-now)*time.Millisecond > maxBackwards {
			return 0, fmt.Errorf("%w: %dms", ErrClockBackwards, sf.lastTime-now)
		}
		for now < sf.lastTime {
			now = sf.millis()
		}
	}
	if now == sf.lastTime {
		// 同一毫秒内递增序列号, 溢出后等待下一毫秒
		sf.sequence = (sf.sequence + 1) & SeqNumMax
		if sf.sequence == 0 {
			for now <= sf.lastTime {
				now = sf.millis()
			}
		}
	} else {
		sf.sequence = 0
	}
	sf.lastTime = now
	return (now << timeBits) | (sf.machineID << SeqNumBits) | sf.sequence, nil
}

// MachineID extracts the machine part of id.
func MachineID(id int64) int64 {
	return (id >> SeqNumBits) & NodeMax
}
