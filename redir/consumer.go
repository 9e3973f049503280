package redir

import "github.com/hanwen/go-usbredir/filter"

// Consumer receives the decoded packets. The parser validates direction
// and field contents before dispatching, so a device-side consumer only
// ever sees guest-to-device packets and vice versa.
//
// For the data packets (ControlPacket, BulkPacket, IsoPacket,
// InterruptPacket, BufferedBulkPacket) the payload slice is handed over:
// the parser never touches it again after dispatch.
type Consumer interface {
	Hello(hello *HelloHeader)
	DeviceConnect(deviceConnect *DeviceConnectHeader)
	DeviceDisconnect()
	Reset()
	InterfaceInfo(interfaceInfo *InterfaceInfoHeader)
	EpInfo(epInfo *EpInfoHeader)
	SetConfiguration(id uint64, setConfiguration *SetConfigurationHeader)
	GetConfiguration(id uint64)
	ConfigurationStatus(id uint64, configurationStatus *ConfigurationStatusHeader)
	SetAltSetting(id uint64, setAltSetting *SetAltSettingHeader)
	GetAltSetting(id uint64, getAltSetting *GetAltSettingHeader)
	AltSettingStatus(id uint64, altSettingStatus *AltSettingStatusHeader)
	StartIsoStream(id uint64, startIsoStream *StartIsoStreamHeader)
	StopIsoStream(id uint64, stopIsoStream *StopIsoStreamHeader)
	IsoStreamStatus(id uint64, isoStreamStatus *IsoStreamStatusHeader)
	StartInterruptReceiving(id uint64, startInterruptReceiving *StartInterruptReceivingHeader)
	StopInterruptReceiving(id uint64, stopInterruptReceiving *StopInterruptReceivingHeader)
	InterruptReceivingStatus(id uint64, interruptReceivingStatus *InterruptReceivingStatusHeader)
	AllocBulkStreams(id uint64, allocBulkStreams *AllocBulkStreamsHeader)
	FreeBulkStreams(id uint64, freeBulkStreams *FreeBulkStreamsHeader)
	BulkStreamsStatus(id uint64, bulkStreamsStatus *BulkStreamsStatusHeader)
	CancelDataPacket(id uint64)
	FilterReject()
	FilterFilter(rules []filter.Rule)
	DeviceDisconnectAck()
	StartBulkReceiving(id uint64, startBulkReceiving *StartBulkReceivingHeader)
	StopBulkReceiving(id uint64, stopBulkReceiving *StopBulkReceivingHeader)
	BulkReceivingStatus(id uint64, bulkReceivingStatus *BulkReceivingStatusHeader)

	ControlPacket(id uint64, controlPacket *ControlPacketHeader, data []byte)
	BulkPacket(id uint64, bulkPacket *BulkPacketHeader, data []byte)
	IsoPacket(id uint64, isoPacket *IsoPacketHeader, data []byte)
	InterruptPacket(id uint64, interruptPacket *InterruptPacketHeader, data []byte)
	BufferedBulkPacket(id uint64, bufferedBulkPacket *BufferedBulkPacketHeader, data []byte)
}

// NopConsumer implements Consumer with no-ops. Embed it to only handle
// the packets a given side cares about.
type NopConsumer struct{}

func (NopConsumer) Hello(*HelloHeader)                                            {}
func (NopConsumer) DeviceConnect(*DeviceConnectHeader)                            {}
func (NopConsumer) DeviceDisconnect()                                             {}
func (NopConsumer) Reset()                                                        {}
func (NopConsumer) InterfaceInfo(*InterfaceInfoHeader)                            {}
func (NopConsumer) EpInfo(*EpInfoHeader)                                          {}
func (NopConsumer) SetConfiguration(uint64, *SetConfigurationHeader)              {}
func (NopConsumer) GetConfiguration(uint64)                                       {}
func (NopConsumer) ConfigurationStatus(uint64, *ConfigurationStatusHeader)        {}
func (NopConsumer) SetAltSetting(uint64, *SetAltSettingHeader)                    {}
func (NopConsumer) GetAltSetting(uint64, *GetAltSettingHeader)                    {}
func (NopConsumer) AltSettingStatus(uint64, *AltSettingStatusHeader)              {}
func (NopConsumer) StartIsoStream(uint64, *StartIsoStreamHeader)                  {}
func (NopConsumer) StopIsoStream(uint64, *StopIsoStreamHeader)                    {}
func (NopConsumer) IsoStreamStatus(uint64, *IsoStreamStatusHeader)                {}
func (NopConsumer) StartInterruptReceiving(uint64, *StartInterruptReceivingHeader) {
}
func (NopConsumer) StopInterruptReceiving(uint64, *StopInterruptReceivingHeader) {}
func (NopConsumer) InterruptReceivingStatus(uint64, *InterruptReceivingStatusHeader) {
}
func (NopConsumer) AllocBulkStreams(uint64, *AllocBulkStreamsHeader)           {}
func (NopConsumer) FreeBulkStreams(uint64, *FreeBulkStreamsHeader)             {}
func (NopConsumer) BulkStreamsStatus(uint64, *BulkStreamsStatusHeader)         {}
func (NopConsumer) CancelDataPacket(uint64)                                    {}
func (NopConsumer) FilterReject()                                              {}
func (NopConsumer) FilterFilter([]filter.Rule)                                 {}
func (NopConsumer) DeviceDisconnectAck()                                       {}
func (NopConsumer) StartBulkReceiving(uint64, *StartBulkReceivingHeader)       {}
func (NopConsumer) StopBulkReceiving(uint64, *StopBulkReceivingHeader)         {}
func (NopConsumer) BulkReceivingStatus(uint64, *BulkReceivingStatusHeader)     {}
func (NopConsumer) ControlPacket(uint64, *ControlPacketHeader, []byte)         {}
func (NopConsumer) BulkPacket(uint64, *BulkPacketHeader, []byte)               {}
func (NopConsumer) IsoPacket(uint64, *IsoPacketHeader, []byte)                 {}
func (NopConsumer) InterruptPacket(uint64, *InterruptPacketHeader, []byte)     {}
func (NopConsumer) BufferedBulkPacket(uint64, *BufferedBulkPacketHeader, []byte) {
}
