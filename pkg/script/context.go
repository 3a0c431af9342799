/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: context.go
Description: A single tengo evaluation context per session. The environment preamble, the user
script and every later call into it are compiled against one symbol table and run on one
globals slice, so top-level code runs once and script state is shared between queue_tasks,
handle_response and on_stop.
*/

package script

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/d5/tengo/v2"
	"github.com/d5/tengo/v2/parser"
)

const (
	environmentFile = "(environment)"
	mainFile        = "(main)"
	callFile        = "(call)"

	// argPlaceholder marks the constant slot a call's argument is swapped into
	argPlaceholder = "__akaylee_call_argument__"
)

var errNoArgumentSlot = errors.New("script: call argument slot not found")

// evalContext accumulates compiled chunks. Compilation is not safe for
// concurrent use; runs are serialized by the owning runtime's script lock.
type evalContext struct {
	fileSet   *parser.SourceFileSet
	symbols   *tengo.SymbolTable
	globals   []tengo.Object
	constants []tengo.Object
	modules   tengo.ModuleGetter
	maxAllocs int64
}

func newEvalContext(modules tengo.ModuleGetter, maxAllocs int64, vars map[string]tengo.Object) *evalContext {
	ec := &evalContext{
		fileSet:   parser.NewFileSet(),
		symbols:   tengo.NewSymbolTable(),
		globals:   make([]tengo.Object, tengo.GlobalsSize),
		modules:   modules,
		maxAllocs: maxAllocs,
	}
	for idx, fn := range tengo.GetAllBuiltinFunctions() {
		ec.symbols.DefineBuiltin(idx, fn.Name)
	}

	names := make([]string, 0, len(vars))
	for name := range vars {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		sym := ec.symbols.Define(name)
		ec.globals[sym.Index] = vars[name]
	}
	return ec
}

// compile parses and compiles one chunk on top of everything compiled so far
func (ec *evalContext) compile(filename string, src []byte) (*tengo.Bytecode, error) {
	file := ec.fileSet.AddFile(filename, -1, len(src))
	node, err := parser.NewParser(file, src, nil).ParseFile()
	if err != nil {
		return nil, err
	}
	c := tengo.NewCompiler(file, ec.symbols, ec.constants, ec.modules, nil)
	if err := c.Compile(node); err != nil {
		return nil, err
	}
	bc := c.Bytecode()
	ec.constants = bc.Constants
	return bc, nil
}

// callable reports whether name is a global holding a callable value
func (ec *evalContext) callable(name string) bool {
	sym, _, ok := ec.symbols.Resolve(name, false)
	if !ok || sym.Scope != tengo.ScopeGlobal {
		return false
	}
	obj := ec.globals[sym.Index]
	return obj != nil && obj != tengo.UndefinedValue && obj.CanCall()
}

// run executes bc on the shared globals until it finishes or ctx ends.
// Go panics raised inside the VM come back as errors.
func (ec *evalContext) run(ctx context.Context, bc *tengo.Bytecode) error {
	vm := tengo.NewVM(bc, ec.globals, ec.maxAllocs)
	ch := make(chan error, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				ch <- fmt.Errorf("panic: %v", rec)
			}
		}()
		ch <- vm.Run()
	}()

	select {
	case <-ctx.Done():
		vm.Abort()
		<-ch
		return ctx.Err()
	case err := <-ch:
		return err
	}
}

// call is a precompiled invocation of a script function
type call struct {
	bytecode *tengo.Bytecode
	arg      int
}

// compileCall compiles name() or, with an argument, name(arg) where the
// argument is supplied per invocation
func (ec *evalContext) compileCall(name string, withArg bool) (*call, error) {
	src := name + "()"
	if withArg {
		src = name + "(" + strconv.Quote(argPlaceholder) + ")"
	}
	bc, err := ec.compile(callFile, []byte(src))
	if err != nil {
		return nil, err
	}
	c := &call{bytecode: bc, arg: -1}
	if !withArg {
		return c, nil
	}
	for i := len(bc.Constants) - 1; i >= 0; i-- {
		if s, ok := bc.Constants[i].(*tengo.String); ok && s.Value == argPlaceholder {
			c.arg = i
			return c, nil
		}
	}
	return nil, errNoArgumentSlot
}

// with returns the call's bytecode with arg in its argument slot
func (c *call) with(arg tengo.Object) *tengo.Bytecode {
	if c.arg < 0 {
		return c.bytecode
	}
	consts := make([]tengo.Object, len(c.bytecode.Constants))
	copy(consts, c.bytecode.Constants)
	consts[c.arg] = arg
	return &tengo.Bytecode{
		FileSet:      c.bytecode.FileSet,
		MainFunction: c.bytecode.MainFunction,
		Constants:    consts,
	}
}

// Check compiles the environment and a user script together without
// running either. Errors carry the user script line where known.
func Check(environment, source []byte) error {
	vars := map[string]tengo.Object{
		"_host":          tengo.UndefinedValue,
		"_raw_http_list": tengo.UndefinedValue,
	}
	for i := 1; i <= 3; i++ {
		vars["_wordlist_"+strconv.Itoa(i)] = tengo.UndefinedValue
	}
	ec := newEvalContext(modules, -1, vars)
	if _, err := ec.compile(environmentFile, environment); err != nil {
		return newScriptError(StageEnvironment, err)
	}
	if _, err := ec.compile(mainFile, source); err != nil {
		return newScriptError(StageScript, err)
	}
	return nil
}
