package swapsrv

import (
	"reflect"

	"go.uber.org/mock/gomock"
)

// MockBlockDevice is a BlockDevice test double in the shape mockgen
// would generate for it, so tests can drive store failures (a full
// disk, a read error) the way FileStore's unix.Pread/Pwrite calls could
// actually fail, without touching the filesystem.
type MockBlockDevice struct {
	ctrl     *gomock.Controller
	recorder *MockBlockDeviceMockRecorder
}

// MockBlockDeviceMockRecorder is the EXPECT() handle for MockBlockDevice.
type MockBlockDeviceMockRecorder struct {
	mock *MockBlockDevice
}

// NewMockBlockDevice returns a mock bound to ctrl.
func NewMockBlockDevice(ctrl *gomock.Controller) *MockBlockDevice {
	m := &MockBlockDevice{ctrl: ctrl}
	m.recorder = &MockBlockDeviceMockRecorder{mock: m}
	return m
}

// EXPECT returns the recorder used to set expectations.
func (m *MockBlockDevice) EXPECT() *MockBlockDeviceMockRecorder {
	return m.recorder
}

func (m *MockBlockDevice) ReadAt(slot uint32, buf []byte) error {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "ReadAt", slot, buf)
	err, _ := ret[0].(error)
	return err
}

func (mr *MockBlockDeviceMockRecorder) ReadAt(slot, buf interface{}) *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "ReadAt",
		reflect.TypeOf((*MockBlockDevice)(nil).ReadAt), slot, buf)
}

func (m *MockBlockDevice) WriteAt(slot uint32, buf []byte) error {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "WriteAt", slot, buf)
	err, _ := ret[0].(error)
	return err
}

func (mr *MockBlockDeviceMockRecorder) WriteAt(slot, buf interface{}) *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "WriteAt",
		reflect.TypeOf((*MockBlockDevice)(nil).WriteAt), slot, buf)
}

func (m *MockBlockDevice) Close() error {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "Close")
	err, _ := ret[0].(error)
	return err
}

func (mr *MockBlockDeviceMockRecorder) Close() *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "Close",
		reflect.TypeOf((*MockBlockDevice)(nil).Close))
}
