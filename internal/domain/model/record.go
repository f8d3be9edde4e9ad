package model

// RawRecord is one vendor telemetry row. ID is the total order between records.
type RawRecord struct {
	ID         int64  `json:"id"`
	TBMID      string `json:"tbmId"`
	CreateTime string `json:"createTime"`
	OriginTime string `json:"originTime"`
	// Data is a JSON object encoded as a string: vendor code -> "value(unit)".
	Data string `json:"data"`
}
