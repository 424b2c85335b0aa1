// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package kcap

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/tidwall/jsonc"
)

// Descriptor is a fully parsed process descriptor: the scalar
// metadata the KIP header carries plus the capability entries.
// Immutable after parsing.
type Descriptor struct {
	// Name is the process name. Longer than the header's fixed field
	// is allowed here; the assembler truncates with a warning.
	Name string

	// ProgramID is the numeric process identifier.
	ProgramID uint64

	// Version is the process category / version field.
	Version uint32

	// MainThreadPriority is the initial thread priority, 0..63.
	MainThreadPriority uint8

	// DefaultCPU is the core the main thread starts on.
	DefaultCPU uint8

	// MainThreadStackSize is the main thread stack size, page
	// aligned.
	MainThreadStackSize uint32

	// UseSecureMemory and Immortal map to header flag bits.
	UseSecureMemory bool
	Immortal        bool

	// Capabilities are the kernel capability requests, in descriptor
	// order. Compile reorders them canonically.
	Capabilities []Entry
}

// Number is a descriptor integer that accepts either a JSON number
// or a hex string ("0x1F" or bare "1F").
type Number uint64

func (n *Number) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		s = strings.TrimPrefix(strings.ToLower(s), "0x")
		v, err := strconv.ParseUint(s, 16, 64)
		if err != nil {
			return fmt.Errorf("parsing %q as hex: %w", s, err)
		}
		*n = Number(v)
		return nil
	}
	var raw json.Number
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	v, err := strconv.ParseUint(raw.String(), 10, 64)
	if err != nil {
		return fmt.Errorf("parsing %s as unsigned integer: %w", raw.String(), err)
	}
	*n = Number(v)
	return nil
}

type rawDescriptor struct {
	Name                *string         `json:"name"`
	ProgramID           *Number         `json:"program_id"`
	TitleID             *Number         `json:"title_id"` // legacy alias for program_id
	Version             *Number         `json:"version"`
	ProcessCategory     *Number         `json:"process_category"` // legacy alias for version
	MainThreadPriority  *Number         `json:"main_thread_priority"`
	DefaultCPU          *Number         `json:"default_cpu_id"`
	MainThreadStackSize *Number         `json:"main_thread_stack_size"`
	UseSecureMemory     *bool           `json:"use_secure_memory"`
	Immortal            *bool           `json:"immortal"`
	KernelCapabilities  []rawCapability `json:"kernel_capabilities"`
}

type rawCapability struct {
	Type  string          `json:"type"`
	Value json.RawMessage `json:"value"`
}

// ParseDescriptor strips JSONC comments and trailing commas from
// data, then unmarshals and validates the descriptor. Structural
// problems in capability entries are reported as ErrInvalidCapability
// with the offending entry named.
func ParseDescriptor(data []byte) (*Descriptor, error) {
	stripped := jsonc.ToJSON(data)

	var raw rawDescriptor
	if err := json.Unmarshal(stripped, &raw); err != nil {
		return nil, fmt.Errorf("parsing descriptor: %w", err)
	}

	desc := &Descriptor{
		Version:         1,
		UseSecureMemory: true,
		Immortal:        true,
	}

	if raw.Name == nil || *raw.Name == "" {
		return nil, fmt.Errorf("descriptor field `name` is required")
	}
	desc.Name = *raw.Name

	programID := firstNumber(raw.ProgramID, raw.TitleID)
	if programID == nil {
		return nil, fmt.Errorf("descriptor field `program_id` is required")
	}
	desc.ProgramID = uint64(*programID)

	if version := firstNumber(raw.Version, raw.ProcessCategory); version != nil {
		if *version > 0xFFFFFFFF {
			return nil, fmt.Errorf("descriptor field `version` %#x exceeds 32 bits", uint64(*version))
		}
		desc.Version = uint32(*version)
	}

	if raw.MainThreadPriority == nil {
		return nil, fmt.Errorf("descriptor field `main_thread_priority` is required")
	}
	if *raw.MainThreadPriority > 0x3F {
		return nil, fmt.Errorf("descriptor field `main_thread_priority` %d exceeds 63", uint64(*raw.MainThreadPriority))
	}
	desc.MainThreadPriority = uint8(*raw.MainThreadPriority)

	if raw.DefaultCPU == nil {
		return nil, fmt.Errorf("descriptor field `default_cpu_id` is required")
	}
	if *raw.DefaultCPU > 0xFF {
		return nil, fmt.Errorf("descriptor field `default_cpu_id` %d exceeds 255", uint64(*raw.DefaultCPU))
	}
	desc.DefaultCPU = uint8(*raw.DefaultCPU)

	if raw.MainThreadStackSize == nil {
		return nil, fmt.Errorf("descriptor field `main_thread_stack_size` is required")
	}
	if *raw.MainThreadStackSize > 0xFFFFFFFF {
		return nil, fmt.Errorf("descriptor field `main_thread_stack_size` %#x exceeds 32 bits", uint64(*raw.MainThreadStackSize))
	}
	if *raw.MainThreadStackSize&0xFFF != 0 {
		return nil, fmt.Errorf("descriptor field `main_thread_stack_size` %#x must be aligned to 0x1000", uint64(*raw.MainThreadStackSize))
	}
	desc.MainThreadStackSize = uint32(*raw.MainThreadStackSize)

	if raw.UseSecureMemory != nil {
		desc.UseSecureMemory = *raw.UseSecureMemory
	}
	if raw.Immortal != nil {
		desc.Immortal = *raw.Immortal
	}

	for i, capability := range raw.KernelCapabilities {
		entry, err := parseCapability(capability)
		if err != nil {
			return nil, fmt.Errorf("kernel capability %d (%s): %w", i, capability.Type, err)
		}
		desc.Capabilities = append(desc.Capabilities, entry)
	}

	return desc, nil
}

// ReadDescriptorFile reads and parses a JSONC descriptor from disk.
func ReadDescriptorFile(path string) (*Descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	desc, err := ParseDescriptor(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return desc, nil
}

func firstNumber(candidates ...*Number) *Number {
	for _, n := range candidates {
		if n != nil {
			return n
		}
	}
	return nil
}

// parseCapability maps one {type, value} object to its variant type.
// Shape errors (wrong JSON type, missing fields, unknown capability
// type) wrap ErrInvalidCapability.
func parseCapability(raw rawCapability) (Entry, error) {
	switch raw.Type {
	case "kernel_flags":
		var v struct {
			HighestPriority *Number `json:"highest_thread_priority"`
			LowestPriority  *Number `json:"lowest_thread_priority"`
			LowestCPU       *Number `json:"lowest_cpu_id"`
			HighestCPU      *Number `json:"highest_cpu_id"`
		}
		if err := unmarshalValue(raw.Value, &v); err != nil {
			return nil, err
		}
		for name, field := range map[string]*Number{
			"highest_thread_priority": v.HighestPriority,
			"lowest_thread_priority":  v.LowestPriority,
			"lowest_cpu_id":           v.LowestCPU,
			"highest_cpu_id":          v.HighestCPU,
		} {
			if field == nil {
				return nil, invalidf("missing field `%s`", name)
			}
		}
		var entry ThreadInfo
		var err error
		if entry.HighestPriority, err = number32(*v.HighestPriority, "highest_thread_priority"); err != nil {
			return nil, err
		}
		if entry.LowestPriority, err = number32(*v.LowestPriority, "lowest_thread_priority"); err != nil {
			return nil, err
		}
		if entry.LowestCPU, err = number32(*v.LowestCPU, "lowest_cpu_id"); err != nil {
			return nil, err
		}
		if entry.HighestCPU, err = number32(*v.HighestCPU, "highest_cpu_id"); err != nil {
			return nil, err
		}
		return entry, nil

	case "syscalls":
		var v map[string]Number
		if err := unmarshalValue(raw.Value, &v); err != nil {
			return nil, err
		}
		syscalls := make(map[string]uint32, len(v))
		for name, number := range v {
			value, err := number32(number, name)
			if err != nil {
				return nil, err
			}
			syscalls[name] = value
		}
		return SyscallMask{Syscalls: syscalls}, nil

	case "map":
		var v struct {
			Address *Number `json:"address"`
			Size    *Number `json:"size"`
			ReadOnly *bool  `json:"is_ro"`
			IO       *bool  `json:"is_io"`
		}
		if err := unmarshalValue(raw.Value, &v); err != nil {
			return nil, err
		}
		if v.Address == nil {
			return nil, invalidf("missing field `address`")
		}
		if v.Size == nil {
			return nil, invalidf("missing field `size`")
		}
		if v.ReadOnly == nil {
			return nil, invalidf("missing field `is_ro`")
		}
		if v.IO == nil {
			return nil, invalidf("missing field `is_io`")
		}
		entry := MapRange{ReadOnly: *v.ReadOnly, IO: *v.IO}
		var err error
		if entry.Address, err = number32(*v.Address, "address"); err != nil {
			return nil, err
		}
		if entry.Size, err = number32(*v.Size, "size"); err != nil {
			return nil, err
		}
		return entry, nil

	case "map_page":
		var v Number
		if err := unmarshalValue(raw.Value, &v); err != nil {
			return nil, err
		}
		page, err := number32(v, "value")
		if err != nil {
			return nil, err
		}
		return MapPage{Page: page}, nil

	case "map_region":
		var v []struct {
			Type     *Number `json:"region_type"`
			ReadOnly *bool   `json:"is_ro"`
		}
		if err := unmarshalValue(raw.Value, &v); err != nil {
			return nil, err
		}
		regions := make([]Region, 0, len(v))
		for i, r := range v {
			if r.Type == nil {
				return nil, invalidf("region %d: missing field `region_type`", i)
			}
			if r.ReadOnly == nil {
				return nil, invalidf("region %d: missing field `is_ro`", i)
			}
			regionType, err := number32(*r.Type, "region_type")
			if err != nil {
				return nil, err
			}
			regions = append(regions, Region{Type: regionType, ReadOnly: *r.ReadOnly})
		}
		return MapRegion{Regions: regions}, nil

	case "irq_pair":
		var v []*Number
		if err := unmarshalValue(raw.Value, &v); err != nil {
			return nil, err
		}
		if len(v) != 2 {
			return nil, invalidf("irq_pair must contain exactly 2 elements, got %d", len(v))
		}
		pair := IRQPair{}
		if v[0] != nil {
			first, err := number32(*v[0], "irq_pair[0]")
			if err != nil {
				return nil, err
			}
			pair.First = &first
		}
		if v[1] != nil {
			second, err := number32(*v[1], "irq_pair[1]")
			if err != nil {
				return nil, err
			}
			pair.Second = &second
		}
		return pair, nil

	case "application_type":
		var v Number
		if err := unmarshalValue(raw.Value, &v); err != nil {
			return nil, err
		}
		value, err := number32(v, "value")
		if err != nil {
			return nil, err
		}
		return ApplicationType{Type: value}, nil

	case "min_kernel_version":
		var v Number
		if err := unmarshalValue(raw.Value, &v); err != nil {
			return nil, err
		}
		version, err := number32(v, "value")
		if err != nil {
			return nil, err
		}
		return MinKernelVersion{Version: version}, nil

	case "handle_table_size":
		var v Number
		if err := unmarshalValue(raw.Value, &v); err != nil {
			return nil, err
		}
		size, err := number32(v, "value")
		if err != nil {
			return nil, err
		}
		return HandleTableSize{Size: size}, nil

	case "debug_flags":
		var v struct {
			AllowDebug     bool `json:"allow_debug"`
			ForceDebug     bool `json:"force_debug"`
			ForceDebugProd bool `json:"force_debug_prod"`
		}
		if err := unmarshalValue(raw.Value, &v); err != nil {
			return nil, err
		}
		return DebugFlags{
			AllowDebug:     v.AllowDebug,
			ForceDebug:     v.ForceDebug,
			ForceDebugProd: v.ForceDebugProd,
		}, nil

	default:
		return nil, invalidf("unrecognized capability type %q", raw.Type)
	}
}

// number32 narrows a descriptor number to 32 bits. Values above 32
// bits would otherwise alias small values through truncation and slip
// past the per-field width checks.
func number32(n Number, name string) (uint32, error) {
	if n > 0xFFFFFFFF {
		return 0, invalidf("field `%s` value %#x exceeds 32 bits", name, uint64(n))
	}
	return uint32(n), nil
}

func unmarshalValue(value json.RawMessage, into any) error {
	if len(value) == 0 {
		return invalidf("missing `value`")
	}
	if err := json.Unmarshal(value, into); err != nil {
		return invalidf("malformed `value`: %v", err)
	}
	return nil
}
