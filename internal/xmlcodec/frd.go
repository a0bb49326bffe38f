package xmlcodec

// FRDStartRegistration opens a formation resistance dossier for one tube.
type FRDStartRegistration struct {
	ObjectIDAccountableParty string
	GMWBroID                 string
	TubeNumber               int
}

func (FRDStartRegistration) object() string { return "frd" }

type frdStartBody struct {
	ObjectID string  `xml:"objectIdAccountableParty"`
	Tube     frdTube `xml:"groundwaterMonitoringTube>frdcommon:GroundwaterMonitoringTube"`
}

type frdTube struct {
	BroID      string `xml:"frdcommon:broId"`
	TubeNumber int    `xml:"frdcommon:tubeNumber"`
}

func (d FRDStartRegistration) xmlBody(*idGen) any {
	return frdStartBody{
		ObjectID: d.ObjectIDAccountableParty,
		Tube:     frdTube{BroID: d.GMWBroID, TubeNumber: d.TubeNumber},
	}
}
