package main

import (
	"errors"
	"io"
	"net"
)

// Relay pumps bytes between the terminal and the serial connection until the
// escape byte shows up on the input side or either end closes.
type Relay struct {
	Conn net.Conn
	In   io.Reader
	Out  io.Writer
	// Escape detaches when read from In. Zero disables detaching.
	Escape byte
}

// errDetach ends the input pump when the escape byte arrives.
var errDetach = errors.New("detach")

// Run blocks until the session ends. A clean detach and a remote close both
// return nil.
func (r *Relay) Run() error {
	done := make(chan error, 2)

	go func() {
		_, err := io.Copy(r.Out, r.Conn)
		done <- err
	}()
	go func() {
		done <- r.pumpInput()
	}()

	err := <-done
	// Unblock the other side.
	r.Conn.Close()
	if err == nil || errors.Is(err, errDetach) || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

func (r *Relay) pumpInput() error {
	buf := make([]byte, 256)
	for {
		n, err := r.In.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			if r.Escape != 0 {
				for i, b := range chunk {
					if b == r.Escape {
						if i > 0 {
							if _, werr := r.Conn.Write(chunk[:i]); werr != nil {
								return werr
							}
						}
						return errDetach
					}
				}
			}
			if _, werr := r.Conn.Write(chunk); werr != nil {
				return werr
			}
		}
		if err != nil {
			return err
		}
	}
}
