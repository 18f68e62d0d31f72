// Copyright 2022 PingCAP, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

package deps

import (
	"reflect"

	"github.com/pingcap/log"
	"github.com/syncflow/syncwork/pkg/errors"
	"go.uber.org/dig"
	"go.uber.org/zap"
)

// Deps is the executor's dependency container. Long-lived components such as
// the concurrency quota, the contract registry and the dispatcher are
// provided once at startup and filled into the components that need them.
type Deps struct {
	container *dig.Container
}

// NewDeps creates a new Deps instance
func NewDeps() *Deps {
	return &Deps{
		container: dig.New(),
	}
}

// Provide accepts a constructor and builds its result into the container.
func (d *Deps) Provide(constructor interface{}) error {
	if err := d.container.Provide(constructor); err != nil {
		return errors.Trace(err)
	}
	return nil
}

// ProvideValue puts an already built value into the container.
func ProvideValue[T any](d *Deps, value T) error {
	return d.Provide(func() T { return value })
}

// Invoke calls fn with its arguments filled from the container.
func (d *Deps) Invoke(fn interface{}) error {
	if err := d.container.Invoke(fn); err != nil {
		return errors.Trace(err)
	}
	return nil
}

// Construct takes a function in the form of
// `func(arg1 Type1, arg2 Type2,...) (ret, error)`.
// The arguments to the function are filled from the container and the
// returned object is not put back into it.
func (d *Deps) Construct(fn interface{}) (interface{}, error) {
	fnTp := reflect.TypeOf(fn)
	if fnTp.Kind() != reflect.Func || fnTp.NumOut() != 2 {
		log.Panic("unexpected constructor type", zap.Stringer("type", fnTp))
	}

	in := make([]reflect.Type, 0, fnTp.NumIn())
	for i := 0; i < fnTp.NumIn(); i++ {
		in = append(in, fnTp.In(i))
	}
	invokeFnTp := reflect.FuncOf(in, []reflect.Type{fnTp.Out(1)}, false)

	var obj reflect.Value
	invokeFn := reflect.MakeFunc(invokeFnTp, func(args []reflect.Value) []reflect.Value {
		retVals := reflect.ValueOf(fn).Call(args)
		obj = retVals[0]
		return retVals[1:]
	})

	if err := d.container.Invoke(invokeFn.Interface()); err != nil {
		return nil, errors.Trace(err)
	}
	return obj.Interface(), nil
}

// Fill injects dependencies into params, which must be a pointer to a struct
// embedding dig.In.
func (d *Deps) Fill(params interface{}) error {
	paramsTp := reflect.TypeOf(params)
	if paramsTp.Kind() != reflect.Pointer {
		return errors.ErrInvalidArgument.GenWithStackByArgs("params must be a pointer")
	}
	errorTp := reflect.TypeOf((*error)(nil)).Elem()
	invokeFnTp := reflect.FuncOf([]reflect.Type{paramsTp.Elem()}, []reflect.Type{errorTp}, false)
	invokeFn := reflect.MakeFunc(invokeFnTp, func(args []reflect.Value) (results []reflect.Value) {
		defer func() {
			if v := recover(); v != nil {
				err := errors.Errorf("internal error: %v", v)
				results = []reflect.Value{reflect.ValueOf(&err).Elem()}
			}
		}()
		reflect.ValueOf(params).Elem().Set(args[0])
		return []reflect.Value{reflect.Zero(errorTp)}
	})
	if err := d.container.Invoke(invokeFn.Interface()); err != nil {
		return errors.Trace(err)
	}
	return nil
}
