package lock

import (
	"sync"

	"github.com/mattjoyce/espk-bridge/internal/serialport"
)

// Opener wraps open so each port is held under its lock file in dir for as
// long as it stays open.
func Opener(dir string, open serialport.Opener) serialport.Opener {
	return func(name string, baud int) (serialport.Port, error) {
		l, err := AcquirePortLock(dir, name)
		if err != nil {
			return nil, err
		}
		p, err := open(name, baud)
		if err != nil {
			_ = l.Release()
			return nil, err
		}
		return &lockedPort{Port: p, lock: l}, nil
	}
}

type lockedPort struct {
	serialport.Port
	lock *PIDLock
	once sync.Once
}

func (p *lockedPort) Close() error {
	err := p.Port.Close()
	p.once.Do(func() { _ = p.lock.Release() })
	return err
}
