package demcsv

import "errors"

var errParse = errors.New("parse error")

type GeoKey uint16

const (
	GeoKeyGTModelType  GeoKey = 1024
	GeoKeyGTRasterType GeoKey = 1025
	GeoKeyGTCitation   GeoKey = 1026

	GeoKeyGeodeticCRS   GeoKey = 2048
	GeoKeyGeogCitation  GeoKey = 2049
	GeoKeyGeodeticDatum GeoKey = 2050
	GeoKeyLinearUnits   GeoKey = 2052
	GeoKeyAngularUnits  GeoKey = 2054

	GeoKeyProjectedCRS GeoKey = 3072
	GeoKeyPCSCitation  GeoKey = 3073
	GeoKeyLinearUnits2 GeoKey = 3076

	GeoKeyVerticalCitation GeoKey = 4097
	GeoKeyVerticalUnits    GeoKey = 4099
)

// Model types, from GeoKeyGTModelType.
const (
	modelTypeProjected  = 1
	modelTypeGeographic = 2
	modelTypeGeocentric = 3
)

// 32767 marks a user-defined value throughout the geokey directory.
const geoKeyUserDefined = 32767

type ParsedGeoKeys struct {
	Params       map[GeoKey]int
	DoubleParams map[GeoKey]float64
	ASCIIParams  map[GeoKey]string
}

// ParseGeoKeys parses a GeoKeyDirectoryTag, resolving references into the
// GeoDoubleParamsTag and GeoASCIIParamsTag values.
func ParseGeoKeys(directory []uint16, doubleParams []float64, asciiParams []byte) (*ParsedGeoKeys, error) {
	if len(directory) < 4 {
		return nil, errParse
	}

	if keyDirectoryVersion := int(directory[0]); keyDirectoryVersion != 1 {
		return nil, errParse
	}
	if keyRevision := int(directory[1]); keyRevision != 1 {
		return nil, errParse
	}
	if minorRevision := int(directory[2]); minorRevision != 0 && minorRevision != 1 {
		return nil, errParse
	}
	numberOfKeys := int(directory[3])
	if len(directory) != 4+4*numberOfKeys {
		return nil, errParse
	}

	parsedGeoKeys := &ParsedGeoKeys{
		Params:       make(map[GeoKey]int),
		DoubleParams: make(map[GeoKey]float64),
		ASCIIParams:  make(map[GeoKey]string),
	}
	for i := range numberOfKeys {
		keyValues := directory[4+4*i : 4+4*(i+1)]
		key := GeoKey(keyValues[0])
		tiffTagLocation := int(keyValues[1])
		numberOfValues := int(keyValues[2])
		switch tiffTagLocation {
		case 0:
			if numberOfValues != 1 {
				return nil, errParse
			}
			parsedGeoKeys.Params[key] = int(keyValues[3])
		case 34736: // GeoDoubleParamsTag
			index := int(keyValues[3])
			if numberOfValues != 1 {
				return nil, errors.ErrUnsupported
			}
			if index >= len(doubleParams) {
				return nil, errParse
			}
			parsedGeoKeys.DoubleParams[key] = doubleParams[index]
		case 34737: // GeoASCIIParamsTag
			index := int(keyValues[3])
			if index+numberOfValues > len(asciiParams) {
				return nil, errParse
			}
			parsedGeoKeys.ASCIIParams[key] = string(asciiParams[index : index+numberOfValues])
		default:
			return nil, errors.ErrUnsupported
		}
	}
	return parsedGeoKeys, nil
}

// ModelType returns a human-readable name for the coordinate model.
func (k *ParsedGeoKeys) ModelType() string {
	switch k.Params[GeoKeyGTModelType] {
	case modelTypeProjected:
		return "projected"
	case modelTypeGeographic:
		return "geographic"
	case modelTypeGeocentric:
		return "geocentric"
	default:
		return "unknown"
	}
}

// CRS returns the EPSG code of the raster's coordinate reference system,
// preferring the projected CRS over the geodetic one.
func (k *ParsedGeoKeys) CRS() (int, bool) {
	for _, key := range []GeoKey{GeoKeyProjectedCRS, GeoKeyGeodeticCRS} {
		if code, ok := k.Params[key]; ok && code != geoKeyUserDefined {
			return code, true
		}
	}
	return 0, false
}

// Citation returns the most specific citation string present.
func (k *ParsedGeoKeys) Citation() string {
	for _, key := range []GeoKey{GeoKeyPCSCitation, GeoKeyGTCitation, GeoKeyGeogCitation} {
		if citation, ok := k.ASCIIParams[key]; ok {
			return citation
		}
	}
	return ""
}
