package flowmsg

import (
	"testing"

	"github.com/dflow-rt/hetexec/internal/abi"
	"github.com/dflow-rt/hetexec/internal/driver"
)

func TestAllocTensorRoundTripsShape(t *testing.T) {
	drv := driver.NewFake()
	desc := abi.RuntimeTensorDesc{DType: 1, Format: 2, Shape: []int64{2, 3}}

	fm, err := AllocTensor(drv, 0, desc, 4)
	if err != nil {
		t.Fatalf("AllocTensor: %v", err)
	}
	if fm.Kind() != KindTensor {
		t.Errorf("Kind() = %v, want KindTensor", fm.Kind())
	}
	if len(fm.Payload()) != 2*3*4 {
		t.Errorf("Payload() len = %d, want %d", len(fm.Payload()), 2*3*4)
	}

	p := fm.Mbuf().Payload
	ndims := uint32(p[8]) | uint32(p[9])<<8 | uint32(p[10])<<16 | uint32(p[11])<<24
	if ndims != uint32(len(desc.Shape)) {
		t.Errorf("wire shape ndims = %d, want %d", ndims, len(desc.Shape))
	}
	for i, want := range desc.Shape {
		var got int64
		for j := 7; j >= 0; j-- {
			got = got<<8 | int64(p[descFixedFields*8+8*i+j])
		}
		if got != want {
			t.Errorf("wire shape[%d] = %d, want %d", i, got, want)
		}
	}
}

func TestBuildTensorRejectsTooSmallPayload(t *testing.T) {
	buf := driver.NewMbuf(4)
	if _, err := BuildTensor(buf, abi.RuntimeTensorDesc{}); err == nil {
		t.Error("BuildTensor on undersized payload should fail")
	}
}

func TestOriginalShapeBugPreserved(t *testing.T) {
	old := PreserveOriginalShapeBug
	defer func() { PreserveOriginalShapeBug = old }()
	PreserveOriginalShapeBug = true

	drv := driver.NewFake()
	desc := abi.RuntimeTensorDesc{Shape: []int64{1, 2}, OriginalShape: []int64{9, 9, 9}}
	fm, err := AllocTensor(drv, 0, desc, 4)
	if err != nil {
		t.Fatalf("AllocTensor: %v", err)
	}

	// Per the Open Question resolution: original_shape's dim count on the
	// wire comes from Shape (len 2), not OriginalShape (len 3), while the
	// bug flag is set.
	ndims := fm.buf.Payload[12:16]
	got := uint32(ndims[0]) | uint32(ndims[1])<<8 | uint32(ndims[2])<<16 | uint32(ndims[3])<<24
	if got != uint32(len(desc.Shape)) {
		t.Errorf("wire original_shape ndims = %d, want %d (bug preserved)", got, len(desc.Shape))
	}
}

func TestOriginalShapeBugDisabled(t *testing.T) {
	old := PreserveOriginalShapeBug
	defer func() { PreserveOriginalShapeBug = old }()
	PreserveOriginalShapeBug = false

	drv := driver.NewFake()
	desc := abi.RuntimeTensorDesc{Shape: []int64{1, 2}, OriginalShape: []int64{9, 9, 9}}
	fm, err := AllocTensor(drv, 0, desc, 4)
	if err != nil {
		t.Fatalf("AllocTensor: %v", err)
	}

	ndims := fm.buf.Payload[12:16]
	got := uint32(ndims[0]) | uint32(ndims[1])<<8 | uint32(ndims[2])<<16 | uint32(ndims[3])<<24
	if got != uint32(len(desc.OriginalShape)) {
		t.Errorf("wire original_shape ndims = %d, want %d (bug disabled)", got, len(desc.OriginalShape))
	}
}

func TestSetTransIDTogglesFlagThroughFlowMsg(t *testing.T) {
	drv := driver.NewFake()
	buf, _ := drv.AllocMbuf(8)
	fm := Raw(buf)

	fm.SetTransID(77)
	if fm.TransID() != 77 {
		t.Errorf("TransID() = %d, want 77", fm.TransID())
	}
	if !fm.Mbuf().MsgInfo().HasCustomTransID() {
		t.Error("custom trans-id flag not set after SetTransID(77)")
	}

	fm.SetTransID(0)
	if fm.TransID() != 0 {
		t.Errorf("TransID() after clearing = %d, want 0", fm.TransID())
	}
	if fm.Mbuf().MsgInfo().HasCustomTransID() {
		t.Error("custom trans-id flag still set after SetTransID(0)")
	}
}

func TestSetNullDataDowngradesKindAndSetsFlag(t *testing.T) {
	drv := driver.NewFake()
	buf, _ := drv.AllocMbuf(8)
	fm := Raw(buf)

	fm.SetNullData()
	if !fm.IsNullData() {
		t.Error("IsNullData() should be true after SetNullData")
	}
	if fm.Kind() != KindEmpty {
		t.Errorf("Kind() after SetNullData = %v, want KindEmpty", fm.Kind())
	}
}

func TestEmptyAndRawPayloadViews(t *testing.T) {
	drv := driver.NewFake()
	buf, _ := drv.AllocMbuf(4)
	buf.Payload[0] = 0xAB

	raw := Raw(buf)
	if len(raw.Payload()) != 4 || raw.Payload()[0] != 0xAB {
		t.Errorf("Raw payload = %v, want whole 4-byte buffer", raw.Payload())
	}

	empty := Empty(buf)
	if empty.Payload() != nil {
		t.Errorf("Empty payload = %v, want nil", empty.Payload())
	}
}

func TestIsEOSDelegatesToMbuf(t *testing.T) {
	drv := driver.NewFake()
	buf, _ := drv.AllocMbuf(1)
	fm := Raw(buf)
	if fm.IsEOS() {
		t.Error("fresh FlowMsg should not be EOS")
	}
	buf.SetEOS()
	if !fm.IsEOS() {
		t.Error("FlowMsg should report EOS once the backing Mbuf is marked")
	}
}
