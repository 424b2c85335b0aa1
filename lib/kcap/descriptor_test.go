// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package kcap

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const fullDescriptor = `{
	// Boot-critical service. Comments and trailing commas are fine.
	"name": "sm",
	"program_id": "0x0100000000001004",
	"version": 2,
	"main_thread_priority": 27,
	"default_cpu_id": 3,
	"main_thread_stack_size": "0x8000",
	"use_secure_memory": true,
	"immortal": false,
	"kernel_capabilities": [
		{
			"type": "kernel_flags",
			"value": {
				"highest_thread_priority": 4,
				"lowest_thread_priority": 59,
				"lowest_cpu_id": 0,
				"highest_cpu_id": 3,
			},
		},
		{
			"type": "syscalls",
			"value": {
				"svcSetHeapSize": "0x01",
				"svcExitProcess": "0x07",
			},
		},
		{
			"type": "map",
			"value": {
				"address": "0x60006000",
				"size": "0x1000",
				"is_ro": false,
				"is_io": true,
			},
		},
		{"type": "map_page", "value": "0x6000F000"},
		{
			"type": "map_region",
			"value": [
				{"region_type": 0, "is_ro": true},
				{"region_type": 1, "is_ro": false},
			],
		},
		{"type": "irq_pair", "value": [77, null]},
		{"type": "application_type", "value": 1},
		{"type": "min_kernel_version", "value": "0xA0"},
		{"type": "handle_table_size", "value": 512},
		{"type": "debug_flags", "value": {"allow_debug": true}},
	],
}`

func TestParseDescriptorFull(t *testing.T) {
	desc, err := ParseDescriptor([]byte(fullDescriptor))
	if err != nil {
		t.Fatalf("ParseDescriptor: %v", err)
	}
	if desc.Name != "sm" {
		t.Errorf("Name = %q", desc.Name)
	}
	if desc.ProgramID != 0x0100000000001004 {
		t.Errorf("ProgramID = %#x", desc.ProgramID)
	}
	if desc.Version != 2 {
		t.Errorf("Version = %d", desc.Version)
	}
	if desc.MainThreadPriority != 27 || desc.DefaultCPU != 3 {
		t.Errorf("priority/cpu = %d/%d", desc.MainThreadPriority, desc.DefaultCPU)
	}
	if desc.MainThreadStackSize != 0x8000 {
		t.Errorf("MainThreadStackSize = %#x", desc.MainThreadStackSize)
	}
	if !desc.UseSecureMemory || desc.Immortal {
		t.Errorf("flags = secure:%v immortal:%v", desc.UseSecureMemory, desc.Immortal)
	}
	if len(desc.Capabilities) != 10 {
		t.Fatalf("parsed %d capabilities, want 10", len(desc.Capabilities))
	}

	info, ok := desc.Capabilities[0].(ThreadInfo)
	if !ok {
		t.Fatalf("capability 0 is %T", desc.Capabilities[0])
	}
	if info.HighestPriority != 4 || info.LowestPriority != 59 || info.LowestCPU != 0 || info.HighestCPU != 3 {
		t.Errorf("ThreadInfo = %+v", info)
	}

	mask, ok := desc.Capabilities[1].(SyscallMask)
	if !ok {
		t.Fatalf("capability 1 is %T", desc.Capabilities[1])
	}
	if mask.Syscalls["svcSetHeapSize"] != 1 || mask.Syscalls["svcExitProcess"] != 7 {
		t.Errorf("SyscallMask = %v", mask.Syscalls)
	}

	mapping, ok := desc.Capabilities[2].(MapRange)
	if !ok {
		t.Fatalf("capability 2 is %T", desc.Capabilities[2])
	}
	if mapping.Address != 0x60006000 || mapping.Size != 0x1000 || mapping.ReadOnly || !mapping.IO {
		t.Errorf("MapRange = %+v", mapping)
	}

	if page := desc.Capabilities[3].(MapPage); page.Page != 0x6000F000 {
		t.Errorf("MapPage = %+v", page)
	}

	region, ok := desc.Capabilities[4].(MapRegion)
	if !ok {
		t.Fatalf("capability 4 is %T", desc.Capabilities[4])
	}
	if len(region.Regions) != 2 || region.Regions[0].Type != 0 || !region.Regions[0].ReadOnly || region.Regions[1].Type != 1 {
		t.Errorf("MapRegion = %+v", region)
	}

	pair, ok := desc.Capabilities[5].(IRQPair)
	if !ok {
		t.Fatalf("capability 5 is %T", desc.Capabilities[5])
	}
	if pair.First == nil || *pair.First != 77 || pair.Second != nil {
		t.Errorf("IRQPair = %+v", pair)
	}

	if app := desc.Capabilities[6].(ApplicationType); app.Type != 1 {
		t.Errorf("ApplicationType = %+v", app)
	}
	if version := desc.Capabilities[7].(MinKernelVersion); version.Version != 0xA0 {
		t.Errorf("MinKernelVersion = %+v", version)
	}
	if table := desc.Capabilities[8].(HandleTableSize); table.Size != 512 {
		t.Errorf("HandleTableSize = %+v", table)
	}
	flags := desc.Capabilities[9].(DebugFlags)
	if !flags.AllowDebug || flags.ForceDebug || flags.ForceDebugProd {
		t.Errorf("DebugFlags = %+v", flags)
	}
}

func TestParseDescriptorDefaults(t *testing.T) {
	desc, err := ParseDescriptor([]byte(`{
		"name": "bare",
		"program_id": 1,
		"main_thread_priority": 0,
		"default_cpu_id": 0,
		"main_thread_stack_size": 4096
	}`))
	if err != nil {
		t.Fatalf("ParseDescriptor: %v", err)
	}
	if desc.Version != 1 {
		t.Errorf("default Version = %d, want 1", desc.Version)
	}
	if !desc.UseSecureMemory || !desc.Immortal {
		t.Errorf("default flags = secure:%v immortal:%v, want both true", desc.UseSecureMemory, desc.Immortal)
	}
	if len(desc.Capabilities) != 0 {
		t.Errorf("Capabilities = %v, want none", desc.Capabilities)
	}
}

func TestParseDescriptorLegacyAliases(t *testing.T) {
	desc, err := ParseDescriptor([]byte(`{
		"name": "legacy",
		"title_id": "0x0100000000000036",
		"process_category": 3,
		"main_thread_priority": 12,
		"default_cpu_id": 1,
		"main_thread_stack_size": "0x2000"
	}`))
	if err != nil {
		t.Fatalf("ParseDescriptor: %v", err)
	}
	if desc.ProgramID != 0x0100000000000036 {
		t.Errorf("ProgramID from title_id = %#x", desc.ProgramID)
	}
	if desc.Version != 3 {
		t.Errorf("Version from process_category = %d", desc.Version)
	}
}

func TestParseDescriptorBareHexString(t *testing.T) {
	desc, err := ParseDescriptor([]byte(`{
		"name": "hex",
		"program_id": "1000",
		"main_thread_priority": 1,
		"default_cpu_id": 0,
		"main_thread_stack_size": 4096
	}`))
	if err != nil {
		t.Fatalf("ParseDescriptor: %v", err)
	}
	// Bare strings parse as hex even without the 0x prefix.
	if desc.ProgramID != 0x1000 {
		t.Errorf("ProgramID = %#x, want 0x1000", desc.ProgramID)
	}
}

func TestParseDescriptorRequiredFields(t *testing.T) {
	cases := []struct {
		drop  string
		field string
	}{
		{`"name": "x",`, "name"},
		{`"program_id": 1,`, "program_id"},
		{`"main_thread_priority": 1,`, "main_thread_priority"},
		{`"default_cpu_id": 0,`, "default_cpu_id"},
		{`"main_thread_stack_size": 4096,`, "main_thread_stack_size"},
	}
	const complete = `{
		"name": "x",
		"program_id": 1,
		"main_thread_priority": 1,
		"default_cpu_id": 0,
		"main_thread_stack_size": 4096,
	}`
	for _, tc := range cases {
		partial := strings.Replace(complete, tc.drop, "", 1)
		_, err := ParseDescriptor([]byte(partial))
		if err == nil {
			t.Errorf("descriptor without %s parsed", tc.field)
			continue
		}
		if !strings.Contains(err.Error(), tc.field) {
			t.Errorf("error for missing %s does not name the field: %v", tc.field, err)
		}
	}
}

func TestParseDescriptorFieldRanges(t *testing.T) {
	cases := []struct {
		name string
		json string
	}{
		{"priority over 63", `{"name": "x", "program_id": 1, "main_thread_priority": 64, "default_cpu_id": 0, "main_thread_stack_size": 4096}`},
		{"cpu over 255", `{"name": "x", "program_id": 1, "main_thread_priority": 1, "default_cpu_id": 256, "main_thread_stack_size": 4096}`},
		{"unaligned stack", `{"name": "x", "program_id": 1, "main_thread_priority": 1, "default_cpu_id": 0, "main_thread_stack_size": 4097}`},
		{"version over 32 bits", `{"name": "x", "program_id": 1, "version": "0x100000000", "main_thread_priority": 1, "default_cpu_id": 0, "main_thread_stack_size": 4096}`},
		{"empty name", `{"name": "", "program_id": 1, "main_thread_priority": 1, "default_cpu_id": 0, "main_thread_stack_size": 4096}`},
	}
	for _, tc := range cases {
		if _, err := ParseDescriptor([]byte(tc.json)); err == nil {
			t.Errorf("%s: descriptor parsed", tc.name)
		}
	}
}

func TestParseDescriptorCapabilityErrors(t *testing.T) {
	const frame = `{
		"name": "x",
		"program_id": 1,
		"main_thread_priority": 1,
		"default_cpu_id": 0,
		"main_thread_stack_size": 4096,
		"kernel_capabilities": [CAP]
	}`
	cases := []struct {
		name string
		cap  string
		want string
	}{
		{"unknown type", `{"type": "warp_drive", "value": 1}`, "warp_drive"},
		{"missing value", `{"type": "map_page"}`, "missing `value`"},
		{"missing field", `{"type": "map", "value": {"address": 1, "size": 1, "is_ro": false}}`, "is_io"},
		{"wrong shape", `{"type": "kernel_flags", "value": 7}`, "malformed `value`"},
		{"irq arity", `{"type": "irq_pair", "value": [1, 2, 3]}`, "exactly 2"},
		{"wide value", `{"type": "map_page", "value": "0x100000000"}`, "exceeds 32 bits"},
	}
	for _, tc := range cases {
		doc := strings.Replace(frame, "CAP", tc.cap, 1)
		_, err := ParseDescriptor([]byte(doc))
		if err == nil {
			t.Errorf("%s: descriptor parsed", tc.name)
			continue
		}
		if !errors.Is(err, ErrInvalidCapability) {
			t.Errorf("%s: error does not wrap ErrInvalidCapability: %v", tc.name, err)
		}
		if !strings.Contains(err.Error(), "kernel capability 0") {
			t.Errorf("%s: error does not name the entry: %v", tc.name, err)
		}
		if !strings.Contains(err.Error(), tc.want) {
			t.Errorf("%s: error %q does not mention %q", tc.name, err, tc.want)
		}
	}
}

func TestReadDescriptorFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sm.json")
	if err := os.WriteFile(path, []byte(fullDescriptor), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	desc, err := ReadDescriptorFile(path)
	if err != nil {
		t.Fatalf("ReadDescriptorFile: %v", err)
	}
	if desc.Name != "sm" {
		t.Errorf("Name = %q", desc.Name)
	}

	if _, err := ReadDescriptorFile(filepath.Join(dir, "missing.json")); err == nil {
		t.Error("ReadDescriptorFile accepted a missing path")
	}

	bad := filepath.Join(dir, "bad.json")
	if err := os.WriteFile(bad, []byte(`{"name": "x"}`), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	_, err = ReadDescriptorFile(bad)
	if err == nil {
		t.Fatal("ReadDescriptorFile accepted an incomplete descriptor")
	}
	if !strings.Contains(err.Error(), "bad.json") {
		t.Errorf("error does not name the file: %v", err)
	}
}
