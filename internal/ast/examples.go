package ast

// The builders below construct small example modules directly as trees,
// standing in for what a parser would otherwise produce from source text.
// They exist so cmd/nsjit has something runnable and so internal/compiler's
// tests have concrete, runnable programs to drive.

// Increment builds `def f(x): return x + 1`.
func Increment() *Module {
	return &Module{Body: []Node{
		&FunctionDef{
			Name:   "f",
			Params: []Param{{Name: "x"}},
			Body: []Node{
				&Return{Value: &BinOp{Op: "+", Left: &Name{Ident: "x"}, Right: &IntLit{Value: 1}}},
			},
		},
	}}
}

// Negate builds `def neg(x): return -x`, exercised with a float argument.
func Negate() *Module {
	return &Module{Body: []Node{
		&FunctionDef{
			Name:   "neg",
			Params: []Param{{Name: "x"}},
			Body: []Node{
				&Return{Value: &UnaryOp{Op: "-", Operand: &Name{Ident: "x"}}},
			},
		},
	}}
}

// Pow builds a square-and-multiply power function:
//
//	def pow(base, exp):
//	    if exp < 0:
//	        raise ValueError("exponent must be nonnegative")
//	    result = 1
//	    while exp > 0:
//	        if exp % 2 == 1:
//	            result = result * base
//	        base = base * base
//	        exp = exp // 2
//	    return result
func Pow() *Module {
	return &Module{Body: []Node{
		&FunctionDef{
			Name:   "pow",
			Params: []Param{{Name: "base"}, {Name: "exp"}},
			Body: []Node{
				&If{
					Test: &Compare{Op: "<", Left: &Name{Ident: "exp"}, Right: &IntLit{Value: 0}},
					Body: []Node{&Raise{Value: &Call{
						Func: &Name{Ident: "ValueError"},
						Args: []Node{&StrLit{Value: "exponent must be nonnegative"}},
					}}},
				},
				&Assign{Target: &Name{Ident: "result"}, Value: &IntLit{Value: 1}},
				&While{
					Test: &Compare{Op: ">", Left: &Name{Ident: "exp"}, Right: &IntLit{Value: 0}},
					Body: []Node{
						&If{
							Test: &Compare{Op: "==", Left: &BinOp{Op: "%", Left: &Name{Ident: "exp"}, Right: &IntLit{Value: 2}}, Right: &IntLit{Value: 1}},
							Body: []Node{
								&Assign{Target: &Name{Ident: "result"}, Value: &BinOp{Op: "*", Left: &Name{Ident: "result"}, Right: &Name{Ident: "base"}}},
							},
						},
						&Assign{Target: &Name{Ident: "base"}, Value: &BinOp{Op: "*", Left: &Name{Ident: "base"}, Right: &Name{Ident: "base"}}},
						&Assign{Target: &Name{Ident: "exp"}, Value: &BinOp{Op: "//", Left: &Name{Ident: "exp"}, Right: &IntLit{Value: 2}}},
					},
				},
				&Return{Value: &Name{Ident: "result"}},
			},
		},
	}}
}

// Factorial builds a self-recursive function exercising direct-call
// emission (see internal/compiler/call.go):
//
//	def fact(n):
//	    if n <= 1:
//	        return 1
//	    return n * fact(n - 1)
func Factorial() *Module {
	return &Module{Body: []Node{
		&FunctionDef{
			Name:   "fact",
			Params: []Param{{Name: "n"}},
			Body: []Node{
				&If{
					Test: &Compare{Op: "<=", Left: &Name{Ident: "n"}, Right: &IntLit{Value: 1}},
					Body: []Node{&Return{Value: &IntLit{Value: 1}}},
				},
				&Return{Value: &BinOp{
					Op:   "*",
					Left: &Name{Ident: "n"},
					Right: &Call{
						Func: &Name{Ident: "fact"},
						Args: []Node{&BinOp{Op: "-", Left: &Name{Ident: "n"}, Right: &IntLit{Value: 1}}},
					},
				}},
			},
		},
	}}
}

// Add builds `def add(a, b): return a + b`, deliberately left polymorphic
// so one function definition can grow one fragment per observed
// argument-type tuple.
func Add() *Module {
	return &Module{Body: []Node{
		&FunctionDef{
			Name:   "add",
			Params: []Param{{Name: "a"}, {Name: "b"}},
			Body: []Node{
				&Return{Value: &BinOp{Op: "+", Left: &Name{Ident: "a"}, Right: &Name{Ident: "b"}}},
			},
		},
	}}
}

// SumList builds a for-loop over a list argument:
//
//	def sumlist(lst):
//	    total = 0
//	    for x in lst:
//	        total = total + x
//	    return total
func SumList() *Module {
	return &Module{Body: []Node{
		&FunctionDef{
			Name:   "sumlist",
			Params: []Param{{Name: "lst"}},
			Body: []Node{
				&Assign{Target: &Name{Ident: "total"}, Value: &IntLit{Value: 0}},
				&For{
					Target: &Name{Ident: "x"},
					Iter:   &Name{Ident: "lst"},
					Body: []Node{
						&Assign{Target: &Name{Ident: "total"}, Value: &BinOp{Op: "+", Left: &Name{Ident: "total"}, Right: &Name{Ident: "x"}}},
					},
				},
				&Return{Value: &Name{Ident: "total"}},
			},
		},
	}}
}

// Quicksort builds an in-place Lomuto-partition quicksort over an int64
// list, the sorting scenario named as a testable property:
//
//	def qsort(lst, lo, hi):
//	    if lo >= hi:
//	        return 0
//	    pivot = lst[hi]
//	    i = lo
//	    j = lo
//	    while j < hi:
//	        if lst[j] < pivot:
//	            tmp = lst[i]
//	            lst[i] = lst[j]
//	            lst[j] = tmp
//	            i = i + 1
//	        j = j + 1
//	    tmp = lst[i]
//	    lst[i] = lst[hi]
//	    lst[hi] = tmp
//	    qsort(lst, lo, i - 1)
//	    qsort(lst, i + 1, hi)
//	    return 0
func Quicksort() *Module {
	lst := func() Node { return &Name{Ident: "lst"} }
	sub := func(idx string) Node { return &Subscript{Value: lst(), Index: &Name{Ident: idx}} }
	return &Module{Body: []Node{
		&FunctionDef{
			Name:   "qsort",
			Params: []Param{{Name: "lst"}, {Name: "lo"}, {Name: "hi"}},
			Body: []Node{
				&If{
					Test: &Compare{Op: ">=", Left: &Name{Ident: "lo"}, Right: &Name{Ident: "hi"}},
					Body: []Node{&Return{Value: &IntLit{Value: 0}}},
				},
				&Assign{Target: &Name{Ident: "pivot"}, Value: sub("hi")},
				&Assign{Target: &Name{Ident: "i"}, Value: &Name{Ident: "lo"}},
				&Assign{Target: &Name{Ident: "j"}, Value: &Name{Ident: "lo"}},
				&While{
					Test: &Compare{Op: "<", Left: &Name{Ident: "j"}, Right: &Name{Ident: "hi"}},
					Body: []Node{
						&If{
							Test: &Compare{Op: "<", Left: sub("j"), Right: &Name{Ident: "pivot"}},
							Body: []Node{
								&Assign{Target: &Name{Ident: "tmp"}, Value: sub("i")},
								&Assign{Target: sub("i"), Value: sub("j")},
								&Assign{Target: sub("j"), Value: &Name{Ident: "tmp"}},
								&Assign{Target: &Name{Ident: "i"}, Value: &BinOp{Op: "+", Left: &Name{Ident: "i"}, Right: &IntLit{Value: 1}}},
							},
						},
						&Assign{Target: &Name{Ident: "j"}, Value: &BinOp{Op: "+", Left: &Name{Ident: "j"}, Right: &IntLit{Value: 1}}},
					},
				},
				&Assign{Target: &Name{Ident: "tmp"}, Value: sub("i")},
				&Assign{Target: sub("i"), Value: sub("hi")},
				&Assign{Target: sub("hi"), Value: &Name{Ident: "tmp"}},
				&ExprStmt{Value: &Call{
					Func: &Name{Ident: "qsort"},
					Args: []Node{lst(), &Name{Ident: "lo"}, &BinOp{Op: "-", Left: &Name{Ident: "i"}, Right: &IntLit{Value: 1}}},
				}},
				&ExprStmt{Value: &Call{
					Func: &Name{Ident: "qsort"},
					Args: []Node{lst(), &BinOp{Op: "+", Left: &Name{Ident: "i"}, Right: &IntLit{Value: 1}}, &Name{Ident: "hi"}},
				}},
				&Return{Value: &IntLit{Value: 0}},
			},
		},
	}}
}

// NestedTry builds the nested try scenario: a KeyError raised in the inner
// try skips the inner (non-matching) handler, runs the inner finally, and
// only then reaches the matching outer handler. Each step logs its order
// into the list argument:
//
//	def h(lst):
//	    seq = 1
//	    try:
//	        try:
//	            raise KeyError
//	        except ValueError:
//	            lst[0] = seq
//	            seq = seq + 1
//	        finally:
//	            lst[1] = seq
//	            seq = seq + 1
//	    except KeyError:
//	        lst[2] = seq
//	        seq = seq + 1
//	    return seq
func NestedTry() *Module {
	logTo := func(idx int64) []Node {
		return []Node{
			&Assign{
				Target: &Subscript{Value: &Name{Ident: "lst"}, Index: &IntLit{Value: idx}},
				Value:  &Name{Ident: "seq"},
			},
			&Assign{Target: &Name{Ident: "seq"}, Value: &BinOp{Op: "+", Left: &Name{Ident: "seq"}, Right: &IntLit{Value: 1}}},
		}
	}
	return &Module{Body: []Node{
		&FunctionDef{
			Name:   "h",
			Params: []Param{{Name: "lst"}},
			Body: []Node{
				&Assign{Target: &Name{Ident: "seq"}, Value: &IntLit{Value: 1}},
				&Try{
					Body: []Node{
						&Try{
							Body: []Node{&Raise{Value: &Name{Ident: "KeyError"}}},
							Handlers: []ExceptHandler{
								{Type: &Name{Ident: "ValueError"}, Body: logTo(0)},
							},
							Finally: logTo(1),
						},
					},
					Handlers: []ExceptHandler{
						{Type: &Name{Ident: "KeyError"}, Body: logTo(2)},
					},
				},
				&Return{Value: &Name{Ident: "seq"}},
			},
		},
	}}
}

// Greet builds a string-formatting function:
//
//	def greet(n):
//	    return "value=" + "%d!" % (n,)
func Greet() *Module {
	return &Module{Body: []Node{
		&FunctionDef{
			Name:   "greet",
			Params: []Param{{Name: "n"}},
			Body: []Node{
				&Return{Value: &BinOp{
					Op:   "+",
					Left: &StrLit{Value: "value="},
					Right: &BinOp{
						Op:    "%",
						Left:  &StrLit{Value: "%d!"},
						Right: &TupleLit{Elts: []Node{&Name{Ident: "n"}}},
					},
				}},
			},
		},
	}}
}

// DelCounter builds a class whose __del__ leaves an observable mark in the
// instance's own attribute slot, standing in for the print-on-destruction
// scenario (there is no stdout syscall surface in emitted code):
//
//	class Counter:
//	    def __init__(self, n):
//	        self.n = n
//	    def bump(self):
//	        self.n = self.n + 1
//	        return self.n
//	    def __del__(self):
//	        self.n = self.n + 1000
func DelCounter() *ClassDef {
	selfN := func() Node {
		return &Attribute{Value: &Name{Ident: "self"}, Attr: "n"}
	}
	return &ClassDef{
		Name: "Counter",
		Body: []Node{
			&FunctionDef{
				Name:   "__init__",
				Params: []Param{{Name: "self"}, {Name: "n"}},
				Body: []Node{
					&Assign{Target: selfN(), Value: &Name{Ident: "n"}},
				},
			},
			&FunctionDef{
				Name:   "bump",
				Params: []Param{{Name: "self"}},
				Body: []Node{
					&Assign{Target: selfN(), Value: &BinOp{Op: "+", Left: selfN(), Right: &IntLit{Value: 1}}},
					&Return{Value: selfN()},
				},
			},
			&FunctionDef{
				Name:   "__del__",
				Params: []Param{{Name: "self"}},
				Body: []Node{
					&Assign{Target: selfN(), Value: &BinOp{Op: "+", Left: selfN(), Right: &IntLit{Value: 1000}}},
				},
			},
		},
	}
}

// TryFinally builds a function whose body is a single try/except/finally,
// used to test exception-block ordering:
//
//	def g(x):
//	    try:
//	        if x == 0:
//	            raise ValueError
//	        return 1
//	    except ValueError:
//	        return 2
//	    finally:
//	        return 3
func TryFinally() *Module {
	return &Module{Body: []Node{
		&FunctionDef{
			Name:   "g",
			Params: []Param{{Name: "x"}},
			Body: []Node{
				&Try{
					Body: []Node{
						&If{
							Test: &Compare{Op: "==", Left: &Name{Ident: "x"}, Right: &IntLit{Value: 0}},
							Body: []Node{&Raise{Value: &Name{Ident: "ValueError"}}},
						},
						&Return{Value: &IntLit{Value: 1}},
					},
					Handlers: []ExceptHandler{
						{Type: &Name{Ident: "ValueError"}, Body: []Node{&Return{Value: &IntLit{Value: 2}}}},
					},
					Finally: []Node{&Return{Value: &IntLit{Value: 3}}},
				},
			},
		},
	}}
}
