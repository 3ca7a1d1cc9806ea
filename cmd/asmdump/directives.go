package main

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/lcox74/nsjit/pkg/amd64"
	"github.com/lcox74/nsjit/pkg/asm"
)

// parseDirectives reads one directive per line from r and emits the
// corresponding instructions through a. Supported directives are the small
// subset of pkg/asm's surface needed to produce an interesting dump:
//
//	mov   <reg>, <imm>       movq $imm, %reg
//	add   <reg>, <imm>       addq $imm, %reg
//	sub   <reg>, <imm>       subq $imm, %reg
//	cmp   <reg>, <imm>       cmpq $imm, %reg
//	push  <reg>
//	pop   <reg>
//	label <name>:            defines a jump target
//	jmp   <name>
//	ret
//
// Blank lines and lines starting with ';' or '#' are ignored.
func parseDirectives(r io.Reader, a *asm.Assembler) error {
	sc := bufio.NewScanner(r)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, ";") || strings.HasPrefix(line, "#") {
			continue
		}
		if err := parseDirectiveLine(a, line); err != nil {
			return fmt.Errorf("line %d: %w", lineNo, err)
		}
	}
	return sc.Err()
}

func parseDirectiveLine(a *asm.Assembler, line string) error {
	fields := strings.Fields(line)
	mnemonic := strings.ToLower(fields[0])

	if strings.HasPrefix(mnemonic, "label") {
		name := strings.TrimSuffix(strings.TrimSpace(strings.TrimPrefix(line, fields[0])), ":")
		if name == "" {
			return fmt.Errorf("label directive needs a name")
		}
		a.DefineLabel(name)
		return nil
	}

	switch mnemonic {
	case "ret":
		a.Ret()
		return nil
	case "push":
		reg, err := parseReg(operandAt(fields, 1))
		if err != nil {
			return err
		}
		a.Push(reg)
		return nil
	case "pop":
		reg, err := parseReg(operandAt(fields, 1))
		if err != nil {
			return err
		}
		a.Pop(reg)
		return nil
	case "jmp":
		if len(fields) < 2 {
			return fmt.Errorf("jmp needs a target label")
		}
		a.JmpLabel(fields[1])
		return nil
	case "mov", "add", "sub", "cmp":
		ops := strings.SplitN(strings.TrimSpace(strings.TrimPrefix(line, fields[0])), ",", 2)
		if len(ops) != 2 {
			return fmt.Errorf("%s needs <reg>, <imm>", mnemonic)
		}
		reg, err := parseReg(strings.TrimSpace(ops[0]))
		if err != nil {
			return err
		}
		imm, err := strconv.ParseInt(strings.TrimSpace(ops[1]), 0, 64)
		if err != nil {
			return fmt.Errorf("bad immediate %q: %w", ops[1], err)
		}
		switch mnemonic {
		case "mov":
			a.MovImm64(reg, uint64(imm))
		case "add":
			a.ArithImm(amd64.Add, amd64.QWord, amd64.Reg(reg), int32(imm))
		case "sub":
			a.ArithImm(amd64.Sub, amd64.QWord, amd64.Reg(reg), int32(imm))
		case "cmp":
			a.ArithImm(amd64.Cmp, amd64.QWord, amd64.Reg(reg), int32(imm))
		}
		return nil
	default:
		return fmt.Errorf("unknown directive %q", mnemonic)
	}
}

func operandAt(fields []string, i int) string {
	if i >= len(fields) {
		return ""
	}
	return strings.TrimSuffix(fields[i], ",")
}

var registerNames = map[string]amd64.Register{
	"rax": amd64.RAX, "rcx": amd64.RCX, "rdx": amd64.RDX, "rbx": amd64.RBX,
	"rsp": amd64.RSP, "rbp": amd64.RBP, "rsi": amd64.RSI, "rdi": amd64.RDI,
	"r8": amd64.R8, "r9": amd64.R9, "r10": amd64.R10, "r11": amd64.R11,
	"r12": amd64.R12, "r13": amd64.R13, "r14": amd64.R14, "r15": amd64.R15,
}

func parseReg(s string) (amd64.Register, error) {
	r, ok := registerNames[strings.ToLower(s)]
	if !ok {
		return 0, fmt.Errorf("unknown register %q", s)
	}
	return r, nil
}
