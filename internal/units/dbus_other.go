//go:build !linux

package units

import "context"

func dialSystem(context.Context) (Backend, error) { return nil, ErrUnsupported }
