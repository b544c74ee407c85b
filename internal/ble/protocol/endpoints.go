package protocol

import (
	"strings"

	"github.com/google/uuid"
)

// RICOH GR service UUIDs.
var (
	CameraInformationService       = uuid.MustParse("9A5ED1C5-74CC-4C50-B5B6-66A48E7CCFF1")
	CameraService                  = uuid.MustParse("4B445988-CAA0-4DD3-941D-37B4F52ACA86")
	ShootingService                = uuid.MustParse("9F00F387-8345-4BBC-8B92-B87B52E3091A")
	GPSControlCommandService       = uuid.MustParse("84A0DD62-E8AA-4D0F-91DB-819B6724C69E")
	WLANControlCommandService      = uuid.MustParse("F37F568F-9071-445D-A938-5441F2E82399")
	BluetoothControlCommandService = uuid.MustParse("0F291746-0C80-4726-87A7-3C501FD3B4B6")
)

// Camera Information characteristics.
var (
	FirmwareRevisionChar    = uuid.MustParse("B4EB8905-7411-40A6-A367-2834C2157EA7")
	ManufacturerNameChar    = uuid.MustParse("F5666A48-6A74-40AE-A817-3C9B3EFB59A6")
	ModelNumberChar         = uuid.MustParse("35FE6272-6AA5-44D9-88E1-F09427F51A71")
	SerialNumberChar        = uuid.MustParse("0D2FC4D5-5CB3-4CDE-B519-445E599957D8")
	BluetoothDeviceNameChar = uuid.MustParse("97E34DA2-2E1A-405B-B80D-F8F0AA9CC51C")
	BluetoothMACAddressChar = uuid.MustParse("1C5C6C55-8E57-4B32-AD80-B124AE229DEC")
)

// Camera service characteristics.
var (
	CameraServiceNotificationChar = uuid.MustParse("FAA0AEAF-1654-4842-A139-F4E1C1E722AC")
	CameraPowerChar               = uuid.MustParse("B58CE84C-0666-4DE9-BEC8-2D27B27B3211")
	BatteryLevelChar              = uuid.MustParse("875FC41D-4980-434C-A653-FD4A4D4410C4")
	DateTimeChar                  = uuid.MustParse("FA46BBDD-8A8F-4796-8CF3-AA58949B130A")
	GeoTagChar                    = uuid.MustParse("A36AFDCF-6B67-4046-9BE7-28FB67DBC071")
	OperationModeChar             = uuid.MustParse("1452335A-EC7F-4877-B8AB-0F72E18BB295")
)

// Shooting service characteristics.
var (
	ShootingServiceNotificationChar = uuid.MustParse("671466A5-5535-412E-AC4F-8B2F06AF2237")
	ApertureChar                    = uuid.MustParse("3911F22D-9771-479D-B2B9-F729D9BAF9DC")
	OperationRequestChar            = uuid.MustParse("559644B8-E0BC-4011-929B-5CF9199851E7")
)

// Command service characteristics.
var (
	GPSInformationChar     = uuid.MustParse("28F59D60-8B8E-4FCD-A81F-61BDB46595A9")
	BLEEnableConditionChar = uuid.MustParse("D8676C92-DC4E-4D9E-ACCE-B9E251DDCC0C")
)

// Node is one entry of the endpoint tree. Root nodes are services and
// their children are characteristics.
type Node struct {
	Name     string
	ID       uuid.UUID
	Children []Node
}

// Catalog is the full set of endpoints known across firmware generations.
// The identifiers are fixed by the camera and must not change.
var Catalog = []Node{
	{Name: "CameraInformation", ID: CameraInformationService, Children: []Node{
		{Name: "FirmwareRevision", ID: FirmwareRevisionChar},
		{Name: "ManufacturerName", ID: ManufacturerNameChar},
		{Name: "ModelNumber", ID: ModelNumberChar},
		{Name: "SerialNumber", ID: SerialNumberChar},
		{Name: "BluetoothDeviceName", ID: BluetoothDeviceNameChar},
		{Name: "BluetoothMACAddress", ID: BluetoothMACAddressChar},
	}},
	{Name: "Camera", ID: CameraService, Children: []Node{
		{Name: "CameraServiceNotification", ID: CameraServiceNotificationChar},
		{Name: "CameraPower", ID: CameraPowerChar},
		{Name: "BatteryLevel", ID: BatteryLevelChar},
		{Name: "DateTime", ID: DateTimeChar},
		{Name: "GEOTag", ID: GeoTagChar},
		{Name: "OperationMode", ID: OperationModeChar},
	}},
	{Name: "Shooting", ID: ShootingService, Children: []Node{
		{Name: "ShootingServiceNotification", ID: ShootingServiceNotificationChar},
		{Name: "Aperture", ID: ApertureChar},
		{Name: "OperationRequest", ID: OperationRequestChar},
	}},
	{Name: "GPSControlCommand", ID: GPSControlCommandService, Children: []Node{
		{Name: "GPSInformation", ID: GPSInformationChar},
	}},
	{Name: "WLANControlCommand", ID: WLANControlCommandService},
	{Name: "BluetoothControlCommand", ID: BluetoothControlCommandService, Children: []Node{
		{Name: "BLEEnableCondition", ID: BLEEnableConditionChar},
	}},
}

// Walk calls fn for every node in depth-first order with the node's path
// from the root. Returning false stops the walk.
func Walk(fn func(path []string, n Node) bool) {
	var walk func(prefix []string, nodes []Node) bool
	walk = func(prefix []string, nodes []Node) bool {
		for _, n := range nodes {
			path := append(append([]string(nil), prefix...), n.Name)
			if !fn(path, n) {
				return false
			}
			if !walk(path, n.Children) {
				return false
			}
		}
		return true
	}
	walk(nil, Catalog)
}

// Lookup resolves a name path such as ("Camera", "DateTime"). Names are
// compared case-insensitively.
func Lookup(path ...string) (uuid.UUID, bool) {
	if len(path) == 0 {
		return uuid.Nil, false
	}
	nodes := Catalog
	var found Node
	for _, name := range path {
		ok := false
		for _, n := range nodes {
			if strings.EqualFold(n.Name, name) {
				found, nodes, ok = n, n.Children, true
				break
			}
		}
		if !ok {
			return uuid.Nil, false
		}
	}
	return found.ID, true
}

// Find returns the name path of id.
func Find(id uuid.UUID) ([]string, bool) {
	var out []string
	Walk(func(path []string, n Node) bool {
		if n.ID == id {
			out = path
			return false
		}
		return true
	})
	return out, out != nil
}

// Name returns a dotted display name for id, or the UUID string if id is
// not in the catalog.
func Name(id uuid.UUID) string {
	if path, ok := Find(id); ok {
		return strings.Join(path, ".")
	}
	return id.String()
}

// Profile is the subset of the catalog exposed by one firmware generation.
type Profile struct {
	Name      string
	endpoints map[uuid.UUID]struct{}
}

// Supports reports whether the profile includes id.
func (p Profile) Supports(id uuid.UUID) bool {
	if p.endpoints == nil {
		return false
	}
	_, ok := p.endpoints[id]
	return ok
}

func newProfile(name string, ids ...uuid.UUID) Profile {
	p := Profile{Name: name, endpoints: make(map[uuid.UUID]struct{}, len(ids))}
	for _, id := range ids {
		p.endpoints[id] = struct{}{}
	}
	return p
}

// Known protocol profiles.
var (
	// ProfileV1 is the early firmware layout, which still exposes the
	// Bluetooth MAC address and has no settings characteristics.
	ProfileV1 = newProfile("v1",
		CameraInformationService,
		FirmwareRevisionChar, ManufacturerNameChar, ModelNumberChar, SerialNumberChar,
		BluetoothDeviceNameChar, BluetoothMACAddressChar,
		CameraService, CameraServiceNotificationChar, CameraPowerChar,
		ShootingService, ShootingServiceNotificationChar, ApertureChar, OperationRequestChar,
		GPSControlCommandService, WLANControlCommandService, BluetoothControlCommandService,
	)

	// ProfileV2 is the current camera API.
	ProfileV2 = newProfile("v2",
		CameraInformationService,
		FirmwareRevisionChar, ManufacturerNameChar, ModelNumberChar, SerialNumberChar,
		BluetoothDeviceNameChar,
		CameraService, CameraServiceNotificationChar, CameraPowerChar,
		BatteryLevelChar, DateTimeChar, GeoTagChar, OperationModeChar,
		ShootingService, ShootingServiceNotificationChar, ApertureChar, OperationRequestChar,
		GPSControlCommandService, GPSInformationChar,
		WLANControlCommandService,
		BluetoothControlCommandService, BLEEnableConditionChar,
	)

	// ProfileAll accepts every catalog endpoint.
	ProfileAll = allProfile()
)

func allProfile() Profile {
	var ids []uuid.UUID
	Walk(func(_ []string, n Node) bool {
		ids = append(ids, n.ID)
		return true
	})
	return newProfile("all", ids...)
}

// ProfileByName returns the profile called name ("v1", "v2" or "all").
func ProfileByName(name string) (Profile, bool) {
	switch strings.ToLower(name) {
	case "v1":
		return ProfileV1, true
	case "v2":
		return ProfileV2, true
	case "all", "":
		return ProfileAll, true
	default:
		return Profile{}, false
	}
}
