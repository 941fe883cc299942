// Package domain models geostationary weather-satellite scans and the frames
// decoded from them.
//
// # Providers and products
//
// Three families of sensors are supported:
//
//	EUMETSAT SEVIRI  rapid scan (RSS, 5 min), 0° full disk (15 min), IODC (15 min)
//	NOAA GOES ABI    full disk, 16 bands
//	JMA Himawari AHI full disk, 16 bands
//
// A SEVIRI product carries 12 channels: one wideband high-resolution visible
// channel (HRV) and 11 narrowband channels. Frames are therefore split into
// two variants, [VariantHRV] and [VariantNonHRV], which are archived separately.
//
// # Time fingerprints
//
// Each provider encodes the acquisition instant in its file or scan names:
//
//	EUMETSAT  MSG4-SEVI-MSG15-0100-NA-20230814075918.739000000Z-NA
//	GOES      OR_ABI-L1b-RadF-M6C01_G16_s20201800000000_e..._c....nc   (year + day-of-year)
//	Himawari  HS_H08_20200101_0000_B01_FLDK_R20_S0110.DAT.bz2
//	staging   202308140800.zarr.zip, hrv_202308140800.zarr.zip
//
// [ParseTime] extracts the instant with the seconds field discarded.
// [Fingerprint] additionally rounds it half-up to the product cadence so that
// the pair (provider, product, fingerprint) uniquely identifies a scan.
//
// # Frames
//
// A [Frame] is a dense four-axis array (time, y_geostationary,
// x_geostationary, variable) held in row-major order. Attributes attached to
// frames are restricted to a closed set of kinds (see [Attr]) so that they
// can always be serialized deterministically into the archive metadata.
package domain
